package tts

import (
	"context"
	"fmt"

	"github.com/mcsp-io/mcsp/internal/onnx"
)

// kokoroGraphName is the manifest entry for the single Kokoro model graph:
// tokens + voice style vector + speed -> waveform, no separate flow/mimi
// stages.
const kokoroGraphName = "kokoro"

// defaultSpeed is Kokoro's neutral speaking-rate scale.
const defaultSpeed = float32(1.0)

// kokoroRuntime runs the single-model Kokoro path: one ONNX graph maps
// token IDs plus a voice style vector straight to waveform samples, unlike
// Pocket TTS's five-stage text-conditioner/flow/mimi pipeline.
type kokoroRuntime struct {
	runner *onnx.Runner
	speed  float32
}

// newKokoroRuntime builds a Runtime backed by engine's "kokoro" graph.
func newKokoroRuntime(engine *onnx.Engine) (Runtime, error) {
	runner, ok := engine.Runner(kokoroGraphName)
	if !ok {
		return nil, fmt.Errorf("kokoro: manifest missing %q graph", kokoroGraphName)
	}

	return &kokoroRuntime{runner: runner, speed: defaultSpeed}, nil
}

// GenerateAudio runs Kokoro's single forward pass. Kokoro has no AR loop,
// no KV-cache, and no EOS detection: cfg.MaxSteps/EOSThreshold/
// LSDDecodeSteps/FramesAfterEOS don't apply and are ignored.
func (r *kokoroRuntime) GenerateAudio(ctx context.Context, tokens []int64, cfg RuntimeGenerateConfig) ([]float32, error) {
	tokenTensor, err := onnx.NewTensor(tokens, []int64{1, int64(len(tokens))})
	if err != nil {
		return nil, fmt.Errorf("kokoro: build token tensor: %w", err)
	}

	speedTensor, err := onnx.NewTensor([]float32{r.speed}, []int64{1})
	if err != nil {
		return nil, fmt.Errorf("kokoro: build speed tensor: %w", err)
	}

	inputs := map[string]*onnx.Tensor{
		"tokens": tokenTensor,
		"speed":  speedTensor,
	}

	if cfg.VoiceEmbedding != nil {
		styleTensor, err := onnx.NewTensor(cfg.VoiceEmbedding.Data, cfg.VoiceEmbedding.Shape)
		if err != nil {
			return nil, fmt.Errorf("kokoro: build style tensor: %w", err)
		}

		inputs["style"] = styleTensor
	}

	outputs, err := r.runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("kokoro: run: %w", err)
	}

	waveform, ok := outputs["waveform"]
	if !ok {
		return nil, fmt.Errorf("kokoro: missing 'waveform' in output")
	}

	pcm, err := onnx.ExtractFloat32(waveform)
	if err != nil {
		return nil, fmt.Errorf("kokoro: extract waveform: %w", err)
	}

	return pcm, nil
}

func (r *kokoroRuntime) Close() {}
