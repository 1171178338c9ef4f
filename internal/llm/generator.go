package llm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mcsp-io/mcsp/internal/epoch"
	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/tokenizer"
	"github.com/mcsp-io/mcsp/internal/workerpool"
)

// GraphRunner is the subset of *onnx.Runner a Generator needs, so tests
// can substitute a fake causal-LM graph.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

// GeneratorConfig holds the decoding parameters for one Generator.
type GeneratorConfig struct {
	EOSTokenIDs []int64
	MaxTokens   int
	Sample      SampleConfig
}

// Generator runs prefill + incremental decode over a causal LM ONNX graph,
// streaming generated tokens back through a Stream.
type Generator struct {
	runner GraphRunner
	tok    tokenizer.DecodingTokenizer
	kv     KVBinding
	cfg    GeneratorConfig
	epoch  *epoch.Epoch
	pool   *workerpool.Pool
}

// NewGenerator builds a Generator over runner, discovering the KV-cache
// binding from inputs (typically session.Inputs from the manifest).
func NewGenerator(runner GraphRunner, tok tokenizer.DecodingTokenizer, inputs []onnx.NodeInfo, cfg GeneratorConfig, e *epoch.Epoch, pool *workerpool.Pool) (*Generator, error) {
	kv, err := DiscoverKVBinding(inputs)
	if err != nil {
		return nil, err
	}

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}

	return &Generator{runner: runner, tok: tok, kv: kv, cfg: cfg, epoch: e, pool: pool}, nil
}

// PieceKind discriminates the two variants of Piece, mirroring the wire
// sum type's Token/Eos discriminant (see Output in output.go).
type PieceKind int

const (
	// PieceToken carries one generated token's id and decoded text.
	PieceToken PieceKind = iota
	// PieceEos signals the generation ended on a real end-of-text token.
	// It carries no TokenID or Text. A generation that instead stops
	// because MaxTokens was exhausted without sampling an EOS id never
	// sends a PieceEos — the stream just closes.
	PieceEos
)

// Piece is one streamed unit of a generation.
type Piece struct {
	Kind    PieceKind
	TokenID int64
	Text    string
	Err     error
}

// Stream is the channel of Pieces produced by Generate. It closes after a
// PieceEos or a Piece carrying Err is sent, after MaxTokens pieces, or as
// soon as the epoch advances or ctx is cancelled.
type Stream <-chan epoch.Stamped[Piece]

// Generate tokenizes prompt, dispatches prefill+decode on the worker pool
// (ONNX Run is blocking), and streams generated pieces back. Every piece is
// epoch-stamped at send time so a caller using internal/epoch to cancel
// in-flight work can drop stale pieces without needing a per-request
// context plumbed through the decode loop.
func (g *Generator) Generate(ctx context.Context, prompt string) (Stream, error) {
	tokens, err := g.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("llm: encode prompt: %w", err)
	}

	out := make(chan epoch.Stamped[Piece], 16)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(out)

		return g.run(ctx, tokens, out)
	})

	return out, nil
}

func (g *Generator) run(ctx context.Context, promptTokens []int64, out chan<- epoch.Stamped[Piece]) error {
	startEpoch := g.epoch.Current()

	var kvState map[string]*onnx.Tensor

	generated := append([]int64(nil), promptTokens...)

	nextInput := promptTokens

	for step := 0; step < g.cfg.MaxTokens; step++ {
		if !g.epoch.IsCurrent(startEpoch) {
			return nil // superseded by a newer generation; drop silently
		}

		var logits []float32

		err := g.pool.Do(ctx, func() error {
			outputs, runErr := g.runStep(ctx, nextInput, kvState)
			if runErr != nil {
				return runErr
			}

			l, ok := outputs["logits"]
			if !ok {
				return fmt.Errorf("llm: graph output missing 'logits'")
			}

			data, extractErr := onnx.ExtractFloat32(l)
			if extractErr != nil {
				return fmt.Errorf("llm: extract logits: %w", extractErr)
			}

			logits = data
			kvState = extractKV(outputs, g.kv)

			return nil
		})
		if err != nil {
			sendPiece(ctx, out, g.epoch, Piece{Err: err})
			return err
		}

		next := SampleToken(logits, generated, g.cfg.Sample)
		generated = append(generated, next)
		nextInput = []int64{next}

		if isEOS(next, g.cfg.EOSTokenIDs) {
			sendPiece(ctx, out, g.epoch, Piece{Kind: PieceEos})
			return nil
		}

		text, err := g.tok.Decode([]int64{next})
		if err != nil {
			text = ""
		}

		if !sendPiece(ctx, out, g.epoch, Piece{Kind: PieceToken, TokenID: next, Text: text}) {
			return nil
		}
	}

	// MaxTokens exhausted without sampling an EOS id: the stream closes
	// with no terminal Piece at all, rather than a synthesized PieceEos.
	return nil
}

func sendPiece(ctx context.Context, out chan<- epoch.Stamped[Piece], e *epoch.Epoch, p Piece) bool {
	select {
	case out <- epoch.StampValue(e, p):
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Generator) runStep(ctx context.Context, tokens []int64, kvState map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	inputTensor, err := onnx.NewTensor(tokens, []int64{1, int64(len(tokens))})
	if err != nil {
		return nil, fmt.Errorf("llm: build input tensor: %w", err)
	}

	inputs := map[string]*onnx.Tensor{"input_ids": inputTensor}
	for name, t := range kvState {
		inputs[name] = t
	}

	return g.runner.Run(ctx, inputs)
}

func extractKV(outputs map[string]*onnx.Tensor, kv KVBinding) map[string]*onnx.Tensor {
	state := make(map[string]*onnx.Tensor, kv.NumLayers*2)

	for _, name := range kv.KeyNames {
		if t, ok := outputs["present."+name]; ok {
			state[name] = t
		}
	}

	for _, name := range kv.ValueNames {
		if t, ok := outputs["present."+name]; ok {
			state[name] = t
		}
	}

	return state
}

func isEOS(token int64, eosIDs []int64) bool {
	for _, id := range eosIDs {
		if token == id {
			return true
		}
	}

	return false
}
