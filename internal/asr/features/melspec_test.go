package features_test

import (
	"testing"

	"github.com/mcsp-io/mcsp/internal/asr/features"
)

func TestFeedSamplesProducesOneFramePerHop(t *testing.T) {
	t.Parallel()

	cfg := features.DefaultConfig80()
	ex := features.NewExtractor(cfg)

	windowSize := cfg.SampleRate * 25 / 1000
	hopSize := cfg.SampleRate * 10 / 1000

	samples := make([]float32, windowSize+3*hopSize)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}

	frames := ex.FeedSamples(samples)

	// One frame for the first full window, then one per additional hop.
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}

	for _, f := range frames {
		if len(f) != cfg.NumMelBins {
			t.Fatalf("frame has %d mel bins, want %d", len(f), cfg.NumMelBins)
		}
	}
}

func TestResetClearsBufferedAudio(t *testing.T) {
	t.Parallel()

	cfg := features.DefaultConfig80()
	ex := features.NewExtractor(cfg)

	ex.FeedSamples(make([]float32, 100))
	ex.Reset()

	windowSize := cfg.SampleRate * 25 / 1000
	frames := ex.FeedSamples(make([]float32, windowSize-1))

	if len(frames) != 0 {
		t.Fatalf("got %d frames immediately after reset with a sub-window chunk, want 0", len(frames))
	}
}
