package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/mcsp-io/mcsp/internal/epoch"
	"github.com/mcsp-io/mcsp/internal/llm"
	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/workerpool"
)

func TestDiscoverKVBindingPairsLayers(t *testing.T) {
	t.Parallel()

	inputs := []onnx.NodeInfo{
		{Name: "input_ids", DType: "int64"},
		{Name: "layers.0.key", DType: "float32"},
		{Name: "layers.0.value", DType: "float32"},
		{Name: "layers.1.key", DType: "float32"},
		{Name: "layers.1.value", DType: "float32"},
	}

	kv, err := llm.DiscoverKVBinding(inputs)
	if err != nil {
		t.Fatal(err)
	}

	if kv.NumLayers != 2 {
		t.Fatalf("NumLayers = %d, want 2", kv.NumLayers)
	}

	if kv.ElemType != onnx.DTypeFloat32 {
		t.Fatalf("ElemType = %v, want float32", kv.ElemType)
	}
}

func TestDiscoverKVBindingRejectsMismatchedCounts(t *testing.T) {
	t.Parallel()

	inputs := []onnx.NodeInfo{
		{Name: "layers.0.key", DType: "float32"},
		{Name: "layers.0.value", DType: "float32"},
		{Name: "layers.1.key", DType: "float32"},
	}

	if _, err := llm.DiscoverKVBinding(inputs); err == nil {
		t.Fatal("expected error for mismatched key/value counts")
	}
}

// fakeRunner emits a fixed logits vector that always argmaxes at a chosen
// "next" token, used to drive the decode loop deterministically.
type fakeRunner struct {
	step    int
	nextIDs []int64
	vocab   int
}

func (f *fakeRunner) Run(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	id := f.nextIDs[f.step]
	if f.step < len(f.nextIDs)-1 {
		f.step++
	}

	logits := make([]float32, f.vocab)
	logits[id] = 10

	tensor, err := onnx.NewTensor(logits, []int64{1, int64(f.vocab)})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"logits": tensor}, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]int64, error) { return []int64{1, 2, 3}, nil }
func (fakeTokenizer) Decode(ids []int64) (string, error)  { return "x", nil }

func TestGenerateStopsAtEOS(t *testing.T) {
	t.Parallel()

	inputs := []onnx.NodeInfo{
		{Name: "layers.0.key", DType: "float32"},
		{Name: "layers.0.value", DType: "float32"},
	}

	runner := &fakeRunner{nextIDs: []int64{5, 5, 99}, vocab: 100}

	gen, err := llm.NewGenerator(runner, fakeTokenizer{}, inputs, llm.GeneratorConfig{
		EOSTokenIDs: []int64{99},
		MaxTokens:   10,
		Sample:      llm.DefaultSampleConfig(),
	}, epoch.New(), workerpool.New(1))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := gen.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	var pieces []llm.Piece

	timeout := time.After(2 * time.Second)

loop:
	for {
		select {
		case stamped, ok := <-stream:
			if !ok {
				break loop
			}

			pieces = append(pieces, stamped.Inner)
		case <-timeout:
			t.Fatal("timed out waiting for generation to finish")
		}
	}

	if len(pieces) != 3 {
		t.Fatalf("got %d pieces, want 3", len(pieces))
	}

	for _, p := range pieces[:2] {
		if p.Kind != llm.PieceToken {
			t.Fatalf("piece %+v, want PieceToken", p)
		}
	}

	last := pieces[len(pieces)-1]
	if last.Kind != llm.PieceEos || last.TokenID != 0 || last.Text != "" {
		t.Fatalf("last piece = %+v, want textless PieceEos", last)
	}
}

func TestGenerateExhaustsMaxTokensWithoutSynthesizingEos(t *testing.T) {
	t.Parallel()

	inputs := []onnx.NodeInfo{
		{Name: "layers.0.key", DType: "float32"},
		{Name: "layers.0.value", DType: "float32"},
	}

	runner := &fakeRunner{nextIDs: []int64{5}, vocab: 100}

	gen, err := llm.NewGenerator(runner, fakeTokenizer{}, inputs, llm.GeneratorConfig{
		EOSTokenIDs: []int64{99}, // never sampled
		MaxTokens:   3,
		Sample:      llm.DefaultSampleConfig(),
	}, epoch.New(), workerpool.New(1))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := gen.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	var pieces []llm.Piece

	timeout := time.After(2 * time.Second)

loop:
	for {
		select {
		case stamped, ok := <-stream:
			if !ok {
				break loop
			}

			pieces = append(pieces, stamped.Inner)
		case <-timeout:
			t.Fatal("timed out waiting for generation to finish")
		}
	}

	if len(pieces) != 3 {
		t.Fatalf("got %d pieces, want 3 (MaxTokens)", len(pieces))
	}

	for _, p := range pieces {
		if p.Kind != llm.PieceToken {
			t.Fatalf("piece %+v, want PieceToken (MaxTokens exhaustion must not synthesize an Eos)", p)
		}
	}
}

func TestGenerateDropsStaleWorkAfterEpochAdvance(t *testing.T) {
	t.Parallel()

	inputs := []onnx.NodeInfo{
		{Name: "layers.0.key", DType: "float32"},
		{Name: "layers.0.value", DType: "float32"},
	}

	runner := &fakeRunner{nextIDs: []int64{5}, vocab: 100}

	e := epoch.New()

	gen, err := llm.NewGenerator(runner, fakeTokenizer{}, inputs, llm.GeneratorConfig{
		MaxTokens: 1000,
		Sample:    llm.DefaultSampleConfig(),
	}, e, workerpool.New(1))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := gen.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	<-stream // consume one piece to prove it started

	e.Advance()

	// The stream must close on its own once the epoch is stale, without
	// requiring MaxTokens pieces to be drained.
	timeout := time.After(2 * time.Second)

	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not close after epoch advanced")
		}
	}
}
