// Package platform bootstraps the optional LLM, ASR, and pose components
// that share the mcsp daemon's process and ONNX runtime but sit outside
// the core TTS pipeline. It mirrors internal/tts.Service's bootstrap shape
// (load the manifest, build an engine, wrap graphs in domain types) for a
// manifest that can describe several unrelated graphs at once.
package platform

import (
	"fmt"
	"time"

	"github.com/mcsp-io/mcsp/internal/asr"
	"github.com/mcsp-io/mcsp/internal/asr/features"
	"github.com/mcsp-io/mcsp/internal/config"
	"github.com/mcsp-io/mcsp/internal/epoch"
	"github.com/mcsp-io/mcsp/internal/llm"
	"github.com/mcsp-io/mcsp/internal/onnx"
	"github.com/mcsp-io/mcsp/internal/pose"
	"github.com/mcsp-io/mcsp/internal/tokenizer"
	"github.com/mcsp-io/mcsp/internal/workerpool"
)

// Platform holds whichever of the LLM generator, ASR runner, and pose
// pipeline are enabled in configuration, plus the ONNX engine backing
// them. Fields are nil when their cfg.*.Enabled flag is false.
type Platform struct {
	Generator *llm.Generator
	ASR       *asr.Runner
	Pose      *pose.Pipeline
	Epoch     *epoch.Epoch

	engine *onnx.Engine
}

// New loads cfg.Paths.PlatformManifest (if any component needs it) and
// constructs a Generator, ASR Runner, and pose Pipeline for whichever of
// cfg.LLM/cfg.ASR/cfg.Pose.Enabled are set. The shared Epoch lets every
// component drop output from a superseded request the same way
// tts.Service drops stale utterance chunks.
func New(cfg config.Config) (*Platform, error) {
	if !cfg.LLM.Enabled && !cfg.ASR.Enabled && !cfg.Pose.Enabled {
		return &Platform{Epoch: epoch.New()}, nil
	}

	engine, err := onnx.NewEngineFromConfig(cfg.Paths.PlatformManifest, cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("platform: init onnx engine: %w", err)
	}

	p := &Platform{engine: engine, Epoch: epoch.New()}
	pool := workerpool.New(cfg.Runtime.ConvWorkers)

	if cfg.LLM.Enabled {
		gen, err := newGenerator(engine, cfg, p.Epoch, pool)
		if err != nil {
			engine.Close()
			return nil, err
		}

		p.Generator = gen
	}

	if cfg.ASR.Enabled {
		runner, err := newASRRunner(engine, cfg, p.Epoch, pool)
		if err != nil {
			engine.Close()
			return nil, err
		}

		p.ASR = runner
	}

	if cfg.Pose.Enabled {
		pipeline, err := newPosePipeline(engine, cfg)
		if err != nil {
			engine.Close()
			return nil, err
		}

		p.Pose = pipeline
	}

	return p, nil
}

// Close releases the underlying ONNX engine, if one was loaded.
func (p *Platform) Close() {
	if p.engine != nil {
		p.engine.Close()
	}
}

func newGenerator(engine *onnx.Engine, cfg config.Config, e *epoch.Epoch, pool *workerpool.Pool) (*llm.Generator, error) {
	runner, ok := engine.Runner("llm")
	if !ok {
		return nil, fmt.Errorf("platform: manifest %q has no %q graph", cfg.Paths.PlatformManifest, "llm")
	}

	tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.TokenizerModel)
	if err != nil {
		return nil, fmt.Errorf("platform: init llm tokenizer: %w", err)
	}

	genCfg := llm.GeneratorConfig{
		EOSTokenIDs: cfg.LLM.EOSTokenIDs,
		MaxTokens:   cfg.LLM.MaxTokens,
		Sample: llm.SampleConfig{
			Temperature:       cfg.LLM.Temperature,
			TopK:              cfg.LLM.TopK,
			RepetitionPenalty: cfg.LLM.RepetitionPenalty,
		},
	}

	gen, err := llm.NewGenerator(runner, tok, runner.Inputs(), genCfg, e, pool)
	if err != nil {
		return nil, fmt.Errorf("platform: init llm generator: %w", err)
	}

	return gen, nil
}

func newASRRunner(engine *onnx.Engine, cfg config.Config, e *epoch.Epoch, pool *workerpool.Pool) (*asr.Runner, error) {
	names := []string{"asr_encoder", "asr_decoder", "asr_joiner"}
	runners := make([]*onnx.Runner, len(names))

	for i, name := range names {
		runner, ok := engine.Runner(name)
		if !ok {
			return nil, fmt.Errorf("platform: manifest %q has no %q graph", cfg.Paths.PlatformManifest, name)
		}

		runners[i] = runner
	}

	vocab, err := asr.LoadVocabFile(cfg.ASR.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("platform: load asr vocab: %w", err)
	}

	asrCfg := asr.Config{
		Features: features.Config{
			SampleRate: cfg.ASR.SampleRate,
			NumMelBins: cfg.ASR.NumMelBins,
		},
		SilenceTimeout: time.Duration(cfg.ASR.SilenceTimeoutSecs * float64(time.Second)),
		Vocab:          vocab,
	}

	return asr.NewRunner(runners[0], runners[1], runners[2], asrCfg, e, pool), nil
}

func newPosePipeline(engine *onnx.Engine, cfg config.Config) (*pose.Pipeline, error) {
	runner, ok := engine.Runner("pose")
	if !ok {
		return nil, fmt.Errorf("platform: manifest %q has no %q graph", cfg.Paths.PlatformManifest, "pose")
	}

	poseCfg := pose.Config{
		ScoreThreshold: float32(cfg.Pose.ScoreThreshold),
		IoUThreshold:   float32(cfg.Pose.IoUThreshold),
	}

	return pose.NewPipeline(runner, poseCfg), nil
}
