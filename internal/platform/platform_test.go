package platform_test

import (
	"testing"

	"github.com/mcsp-io/mcsp/internal/config"
	"github.com/mcsp-io/mcsp/internal/platform"
)

func TestNewWithNothingEnabledSkipsEngine(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	p, err := platform.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if p.Generator != nil || p.ASR != nil || p.Pose != nil {
		t.Fatalf("expected no components built, got %+v", p)
	}

	if p.Epoch == nil {
		t.Fatal("expected a shared Epoch even with nothing enabled")
	}

	p.Close() // must not panic with no engine loaded
}

func TestNewWithLLMEnabledButNoManifestFails(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.LLM.Enabled = true
	cfg.Paths.PlatformManifest = "testdata/does-not-exist.json"

	if _, err := platform.New(cfg); err == nil {
		t.Fatal("expected error loading a missing platform manifest")
	}
}
