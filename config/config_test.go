package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Recognition.EmbeddingDim != 512 {
		t.Errorf("embedding_dim default = %d, want 512", cfg.Recognition.EmbeddingDim)
	}
	if cfg.Recognition.MatchThreshold != 0.6 {
		t.Errorf("match_threshold default = %v, want 0.6", cfg.Recognition.MatchThreshold)
	}
	if cfg.Registry.QueueSize != 256 {
		t.Errorf("registry.queue_size default = %d, want 256", cfg.Registry.QueueSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FACE_SENTRY_RECOGNITION_MATCH_THRESHOLD", "0.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Recognition.MatchThreshold != 0.7 {
		t.Errorf("match_threshold = %v, want env override 0.7", cfg.Recognition.MatchThreshold)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("FACE_SENTRY_RECOGNITION_MATCH_THRESHOLD", "1.5")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for match_threshold outside (0,1)")
	}
}

func TestWatchHonorsEnvOverrides(t *testing.T) {
	t.Setenv("FACE_SENTRY_RECOGNITION_MIN_FRAME_COUNT", "25")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("recognition:\n  match_threshold: 0.55\n"), 0644); err != nil {
		t.Fatal(err)
	}

	updates := make(chan *Config, 4)
	Watch(path, func(cfg *Config) {
		select {
		case updates <- cfg:
		default:
		}
	})

	updated := []byte("recognition:\n  match_threshold: 0.65\n")
	for attempt := 0; ; attempt++ {
		if err := os.WriteFile(path, updated, 0644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-updates:
			if cfg.Recognition.MatchThreshold != 0.65 {
				// A callback can race the write itself; wait for the
				// one carrying the new file content.
				continue
			}
			if cfg.Recognition.MinFrameCount != 25 {
				t.Errorf("min_frame_count = %d, want env override 25", cfg.Recognition.MinFrameCount)
			}
			return
		case <-time.After(250 * time.Millisecond):
			if attempt > 20 {
				t.Fatal("no reload callback with updated config file content")
			}
		}
	}
}

func TestRuntimeReload(t *testing.T) {
	rt := NewRuntime(RecognitionConfig{MatchThreshold: 0.6})
	if got := rt.Recognition().MatchThreshold; got != 0.6 {
		t.Fatalf("match_threshold = %v, want 0.6", got)
	}

	rt.Reload(RecognitionConfig{MatchThreshold: 0.8})
	if got := rt.Recognition().MatchThreshold; got != 0.8 {
		t.Errorf("match_threshold after reload = %v, want 0.8", got)
	}
}
