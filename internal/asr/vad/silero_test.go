package vad_test

import (
	"context"
	"testing"

	"github.com/mcsp-io/mcsp/internal/asr/vad"
	"github.com/mcsp-io/mcsp/internal/onnx"
)

type fakeRunner struct {
	probs []float32
	call  int
}

func (f *fakeRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	prob := f.probs[f.call]
	if f.call < len(f.probs)-1 {
		f.call++
	}

	stateIn, err := onnx.ExtractFloat32(inputs["state"])
	if err != nil {
		return nil, err
	}

	probTensor, err := onnx.NewTensor([]float32{prob}, []int64{1, 1})
	if err != nil {
		return nil, err
	}

	stateOut, err := onnx.NewTensor(stateIn, []int64{2, 1, 128})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{"output": probTensor, "stateN": stateOut}, nil
}

func TestFeedSamplesClassifiesEachWindow(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{probs: []float32{0.9, 0.1}}
	gate := vad.NewGate(runner, 0.5)

	samples := make([]float32, 512*2)

	results, err := gate.FeedSamples(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if !results[0].IsSpeech {
		t.Fatalf("results[0] = %+v, want IsSpeech true", results[0])
	}

	if results[1].IsSpeech {
		t.Fatalf("results[1] = %+v, want IsSpeech false", results[1])
	}
}

func TestResetClearsBufferedSamples(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{probs: []float32{0.9}}
	gate := vad.NewGate(runner, 0.5)

	gate.FeedSamples(context.Background(), make([]float32, 100))
	gate.Reset()

	results, err := gate.FeedSamples(context.Background(), make([]float32, 100))
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 0 {
		t.Fatalf("got %d results right after reset with <1 window buffered, want 0", len(results))
	}
}
