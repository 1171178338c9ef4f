// Package vad provides a Silero-style voice-activity gate that classifies
// streaming audio windows as speech or silence. The ASR runner in
// internal/asr does not use it: its endpointing counts frames that emit no
// new token against a silence timeout.
package vad

import (
	"context"
	"fmt"

	"github.com/mcsp-io/mcsp/internal/onnx"
)

const (
	// windowSize is the number of float32 samples per inference call.
	// Silero VAD v5 at 16kHz requires exactly 512 samples (32ms).
	windowSize = 512

	// stateSize is the hidden-state dimension carried between calls.
	stateSize = 128

	// SampleRate is the only sample rate Silero VAD v5 accepts.
	SampleRate = 16000
)

// GraphRunner is the subset of *onnx.Runner a Gate needs.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

// Result is one inference's verdict over one 512-sample window.
type Result struct {
	IsSpeech   bool
	Confidence float32
}

// Gate runs Silero VAD over 20ms streaming PCM, buffering samples to
// 512-sample windows and carrying the RNN hidden state forward across
// calls the same way the flow LM carries its KV cache forward.
type Gate struct {
	runner    GraphRunner
	threshold float64

	state []float32 // [2, 1, 128] flattened
	buf   []float32
}

// NewGate builds a Gate over runner with the given speech-probability
// threshold.
func NewGate(runner GraphRunner, threshold float64) *Gate {
	return &Gate{
		runner:    runner,
		threshold: threshold,
		state:     make([]float32, 2*stateSize),
		buf:       make([]float32, 0, windowSize*2),
	}
}

// FeedSamples buffers newSamples and runs inference for every complete
// 512-sample window now available, returning one Result per window.
func (g *Gate) FeedSamples(ctx context.Context, newSamples []float32) ([]Result, error) {
	g.buf = append(g.buf, newSamples...)

	var results []Result

	for len(g.buf) >= windowSize {
		prob, err := g.infer(ctx, g.buf[:windowSize])
		if err != nil {
			return nil, err
		}

		g.buf = g.buf[windowSize:]
		results = append(results, Result{
			IsSpeech:   float64(prob) >= g.threshold,
			Confidence: prob,
		})
	}

	return results, nil
}

// SetThreshold updates the speech probability threshold.
func (g *Gate) SetThreshold(threshold float64) { g.threshold = threshold }

// Reset clears the carried RNN state and any buffered samples, for use
// between utterances.
func (g *Gate) Reset() {
	for i := range g.state {
		g.state[i] = 0
	}

	g.buf = g.buf[:0]
}

func (g *Gate) infer(ctx context.Context, window []float32) (float32, error) {
	inputTensor, err := onnx.NewTensor(append([]float32(nil), window...), []int64{1, windowSize})
	if err != nil {
		return 0, fmt.Errorf("vad: build input tensor: %w", err)
	}

	stateTensor, err := onnx.NewTensor(append([]float32(nil), g.state...), []int64{2, 1, stateSize})
	if err != nil {
		return 0, fmt.Errorf("vad: build state tensor: %w", err)
	}

	srTensor, err := onnx.NewTensor([]int64{SampleRate}, []int64{1})
	if err != nil {
		return 0, fmt.Errorf("vad: build sample-rate tensor: %w", err)
	}

	outputs, err := g.runner.Run(ctx, map[string]*onnx.Tensor{
		"input": inputTensor,
		"state": stateTensor,
		"sr":    srTensor,
	})
	if err != nil {
		return 0, fmt.Errorf("vad: run: %w", err)
	}

	probTensor, ok := outputs["output"]
	if !ok {
		return 0, fmt.Errorf("vad: missing 'output' in result")
	}

	prob, err := onnx.ExtractFloat32(probTensor)
	if err != nil || len(prob) == 0 {
		return 0, fmt.Errorf("vad: extract output: %w", err)
	}

	nextState, ok := outputs["stateN"]
	if !ok {
		return 0, fmt.Errorf("vad: missing 'stateN' in result")
	}

	nextStateData, err := onnx.ExtractFloat32(nextState)
	if err != nil {
		return 0, fmt.Errorf("vad: extract stateN: %w", err)
	}

	copy(g.state, nextStateData)

	return prob[0], nil
}
