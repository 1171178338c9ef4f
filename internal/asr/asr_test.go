package asr_test

import (
	"context"
	"testing"
	"time"

	"github.com/mcsp-io/mcsp/internal/asr"
	"github.com/mcsp-io/mcsp/internal/asr/features"
	"github.com/mcsp-io/mcsp/internal/epoch"
	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/workerpool"
)

type fakeEncoder struct{}

func (fakeEncoder) Run(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	out, err := onnx.NewTensor([]float32{1, 2, 3}, []int64{1, 3})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"encoder_out": out}, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Run(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	out, err := onnx.NewTensor([]float32{1, 2, 3}, []int64{1, 3})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"decoder_out": out}, nil
}

// fakeJoiner emits exactly one non-blank token (5) then blank forever,
// so each processed frame yields exactly one token.
type fakeJoiner struct{ emitted bool }

func (f *fakeJoiner) Run(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	logits := make([]float32, 10)

	if !f.emitted {
		logits[5] = 10
		f.emitted = true
	} else {
		logits[0] = 10 // blank
	}

	out, err := onnx.NewTensor(logits, []int64{1, 10})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"logits": out}, nil
}

func TestTranscribeEmitsFinalOnChannelClose(t *testing.T) {
	t.Parallel()

	cfg := asr.Config{
		Features: features.DefaultConfig80(),
		Vocab:    []string{"", "a", "b", "c", "d", "e"},
	}

	runner := asr.NewRunner(fakeEncoder{}, fakeDecoder{}, &fakeJoiner{}, cfg, epoch.New(), workerpool.New(1))

	chunks := make(chan []float32, 4)

	windowSize := cfg.Features.SampleRate * 25 / 1000
	chunks <- make([]float32, windowSize)
	close(chunks)

	stream := runner.Transcribe(context.Background(), chunks)

	var last asr.Transcription

	timeout := time.After(2 * time.Second)

loop:
	for {
		select {
		case stamped, ok := <-stream:
			if !ok {
				break loop
			}

			last = stamped.Inner
		case <-timeout:
			t.Fatal("timed out waiting for transcription stream to close")
		}
	}

	if last.Kind != asr.KindFinal {
		t.Fatalf("last transcription kind = %v, want Final", last.Kind)
	}

	if last.Text != "e" {
		t.Fatalf("last transcription text = %q, want %q (token 5 -> vocab[5])", last.Text, "e")
	}
}

func TestTranscribeCancelsOnContextDone(t *testing.T) {
	t.Parallel()

	cfg := asr.Config{Features: features.DefaultConfig80()}
	runner := asr.NewRunner(fakeEncoder{}, fakeDecoder{}, &fakeJoiner{}, cfg, epoch.New(), workerpool.New(1))

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan []float32)

	stream := runner.Transcribe(ctx, chunks)
	cancel()

	select {
	case stamped, ok := <-stream:
		if ok && stamped.Inner.Kind != asr.KindCancelled {
			t.Fatalf("got kind %v, want Cancelled", stamped.Inner.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}
