// Package asr runs a streaming encoder/decoder/joiner transducer over
// chunked audio: feature extraction, blank-skipping greedy decoding, and
// silence-based endpointing, emitting Partial/Final/Cancelled
// transcriptions as audio arrives.
package asr

import (
	"context"
	"fmt"
	"time"

	"github.com/mcsp-io/mcsp/internal/asr/features"
	"github.com/mcsp-io/mcsp/internal/epoch"
	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/workerpool"
)

// GraphRunner is the subset of *onnx.Runner the ASR pipeline needs from
// each of its three graphs (encoder, decoder, joiner).
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

// blankTokenID is the transducer blank symbol, skipped during decoding.
const blankTokenID int64 = 0

// Config controls feature extraction, endpointing, and token mapping.
type Config struct {
	Features       features.Config
	SilenceTimeout time.Duration // how long silence must persist before a Final is emitted
	Vocab          []string      // token ID -> text piece, index 0 reserved for blank
}

// TranscriptionKind distinguishes the three outcomes a Runner can stream.
type TranscriptionKind int

const (
	KindPartial TranscriptionKind = iota
	KindFinal
	KindCancelled
)

// Transcription is one streamed decoding result.
type Transcription struct {
	Kind TranscriptionKind
	Text string
}

// Runner drives the encoder/decoder/joiner pipeline over a single
// utterance's audio stream.
type Runner struct {
	encoder, decoder, joiner GraphRunner
	extractor                *features.Extractor
	cfg                      Config
	epoch                    *epoch.Epoch
	pool                     *workerpool.Pool

	decoderState  []*onnx.Tensor
	tokens        []int64
	silenceFrames int
	frameDuration time.Duration
}

// NewRunner builds a Runner over the three named graphs.
func NewRunner(encoder, decoder, joiner GraphRunner, cfg Config, e *epoch.Epoch, pool *workerpool.Pool) *Runner {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 800 * time.Millisecond
	}

	return &Runner{
		encoder: encoder, decoder: decoder, joiner: joiner,
		extractor:     features.NewExtractor(cfg.Features),
		cfg:           cfg,
		epoch:         e,
		pool:          pool,
		frameDuration: 10 * time.Millisecond, // matches features' 10ms hop
	}
}

// Stream is the channel of epoch-stamped transcriptions produced by one
// Transcribe call over its channel of audio chunks.
type Stream <-chan epoch.Stamped[Transcription]

// Transcribe consumes audio chunks from chunks until it is closed or ctx
// is cancelled, and streams Partial/Final/Cancelled transcriptions back.
// Each mel frame runs through the worker pool since encoder/joiner Run
// calls are blocking.
func (r *Runner) Transcribe(ctx context.Context, chunks <-chan []float32) Stream {
	startEpoch := r.epoch.Current()
	out := make(chan epoch.Stamped[Transcription], 16)

	go func() {
		defer close(out)

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					r.emitFinal(ctx, out, startEpoch)
					return
				}

				if !r.epoch.IsCurrent(startEpoch) {
					sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindCancelled})
					return
				}

				if err := r.feedChunk(ctx, chunk, out, startEpoch); err != nil {
					return
				}
			case <-ctx.Done():
				sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindCancelled})
				return
			}
		}
	}()

	return out
}

func (r *Runner) feedChunk(ctx context.Context, chunk []float32, out chan<- epoch.Stamped[Transcription], startEpoch uint64) error {
	frames := r.extractor.FeedSamples(chunk)

	for _, frame := range frames {
		isSilent, err := r.processFrame(ctx, frame)
		if err != nil {
			sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindCancelled})
			return err
		}

		if !r.epoch.IsCurrent(startEpoch) {
			sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindCancelled})
			return fmt.Errorf("asr: superseded by a newer epoch")
		}

		if isSilent {
			r.silenceFrames++

			if time.Duration(r.silenceFrames)*r.frameDuration >= r.cfg.SilenceTimeout && len(r.tokens) > 0 {
				r.emitFinal(ctx, out, startEpoch)
				r.tokens = nil
			}
		} else {
			r.silenceFrames = 0
			sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindPartial, Text: r.renderTokens()})
		}
	}

	return nil
}

// processFrame runs the encoder over one mel frame, then greedily decodes
// as many non-blank tokens as the joiner emits for this frame, the
// standard streaming-transducer decode step. Returns whether the frame
// produced no new tokens (a proxy for silence absent a dedicated VAD).
func (r *Runner) processFrame(ctx context.Context, frame []float32) (silent bool, err error) {
	var encoderOut *onnx.Tensor

	err = r.pool.Do(ctx, func() error {
		melTensor, terr := onnx.NewTensor(frame, []int64{1, 1, int64(len(frame))})
		if terr != nil {
			return terr
		}

		outputs, runErr := r.encoder.Run(ctx, map[string]*onnx.Tensor{"mel": melTensor})
		if runErr != nil {
			return fmt.Errorf("asr: encoder: %w", runErr)
		}

		out, ok := outputs["encoder_out"]
		if !ok {
			return fmt.Errorf("asr: encoder: missing 'encoder_out' in output")
		}

		encoderOut = out

		return nil
	})
	if err != nil {
		return false, err
	}

	producedToken := false

	// A transducer can emit more than one non-blank symbol per encoder
	// frame; keep decoding until the joiner emits blank.
	for {
		next, decErr := r.decodeStep(ctx, encoderOut)
		if decErr != nil {
			return false, decErr
		}

		if next == blankTokenID {
			break
		}

		r.tokens = append(r.tokens, next)
		producedToken = true
	}

	return !producedToken, nil
}

func (r *Runner) decodeStep(ctx context.Context, encoderOut *onnx.Tensor) (int64, error) {
	var tokenID int64

	err := r.pool.Do(ctx, func() error {
		lastToken := blankTokenID
		if len(r.tokens) > 0 {
			lastToken = r.tokens[len(r.tokens)-1]
		}

		tokenTensor, terr := onnx.NewTensor([]int64{lastToken}, []int64{1, 1})
		if terr != nil {
			return terr
		}

		decInputs := map[string]*onnx.Tensor{"token": tokenTensor}
		for i, s := range r.decoderState {
			decInputs[fmt.Sprintf("state_%d", i)] = s
		}

		decOutputs, runErr := r.decoder.Run(ctx, decInputs)
		if runErr != nil {
			return fmt.Errorf("asr: decoder: %w", runErr)
		}

		decoderOut, ok := decOutputs["decoder_out"]
		if !ok {
			return fmt.Errorf("asr: decoder: missing 'decoder_out' in output")
		}

		r.decoderState = collectDecoderState(decOutputs)

		joinOutputs, runErr := r.joiner.Run(ctx, map[string]*onnx.Tensor{
			"encoder_out": encoderOut,
			"decoder_out": decoderOut,
		})
		if runErr != nil {
			return fmt.Errorf("asr: joiner: %w", runErr)
		}

		logitsT, ok := joinOutputs["logits"]
		if !ok {
			return fmt.Errorf("asr: joiner: missing 'logits' in output")
		}

		logits, extractErr := onnx.ExtractFloat32(logitsT)
		if extractErr != nil {
			return extractErr
		}

		tokenID = argmaxToken(logits)

		return nil
	})

	return tokenID, err
}

func collectDecoderState(outputs map[string]*onnx.Tensor) []*onnx.Tensor {
	var state []*onnx.Tensor

	for i := 0; ; i++ {
		t, ok := outputs[fmt.Sprintf("state_out_%d", i)]
		if !ok {
			break
		}

		state = append(state, t)
	}

	return state
}

func argmaxToken(logits []float32) int64 {
	best := 0

	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}

	return int64(best)
}

func (r *Runner) renderTokens() string {
	if r.cfg.Vocab == nil {
		return ""
	}

	out := make([]byte, 0, len(r.tokens)*2)

	for _, id := range r.tokens {
		if id <= 0 || int(id) >= len(r.cfg.Vocab) {
			continue
		}

		out = append(out, r.cfg.Vocab[id]...)
	}

	return string(out)
}

func (r *Runner) emitFinal(ctx context.Context, out chan<- epoch.Stamped[Transcription], startEpoch uint64) {
	if !r.epoch.IsCurrent(startEpoch) {
		sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindCancelled})
		return
	}

	sendTranscription(ctx, out, r.epoch, Transcription{Kind: KindFinal, Text: r.renderTokens()})
}

func sendTranscription(ctx context.Context, out chan<- epoch.Stamped[Transcription], e *epoch.Epoch, t Transcription) {
	select {
	case out <- epoch.StampValue(e, t):
	case <-ctx.Done():
	}
}
