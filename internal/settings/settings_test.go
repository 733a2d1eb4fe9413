package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r, err := cfg.For(record.ProviderClaude, record.TrackTimeline)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if !r.Enabled || r.Period != DefaultTimelinePeriod || r.Timeout != DefaultTimeout {
		t.Errorf("timeline defaults = %+v", r)
	}

	r, err = cfg.For(record.ProviderCodex, record.TrackQuota)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if r.Period != DefaultQuotaPeriod {
		t.Errorf("quota period = %v, want %v", r.Period, DefaultQuotaPeriod)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
providers:
  claude:
    quota:
      enabled: false
    timeline:
      period: 2m
      timeout: 45s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r, err := cfg.For(record.ProviderClaude, record.TrackQuota)
	if err != nil {
		t.Fatalf("For quota: %v", err)
	}
	if r.Enabled {
		t.Error("quota should be disabled")
	}
	if r.Period != DefaultQuotaPeriod {
		t.Errorf("quota period = %v, defaults must survive partial override", r.Period)
	}

	r, err = cfg.For(record.ProviderClaude, record.TrackTimeline)
	if err != nil {
		t.Fatalf("For timeline: %v", err)
	}
	if r.Period != 2*time.Minute || r.Timeout != 45*time.Second {
		t.Errorf("timeline overrides = %+v", r)
	}

	// Untouched provider keeps defaults.
	r, err = cfg.For(record.ProviderCodex, record.TrackTimeline)
	if err != nil {
		t.Fatalf("For codex: %v", err)
	}
	if !r.Enabled || r.Period != DefaultTimelinePeriod {
		t.Errorf("codex timeline = %+v", r)
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
providers:
  claude:
    timeline:
      period: soon
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.For(record.ProviderClaude, record.TrackTimeline); err == nil {
		t.Fatal("invalid duration must be rejected")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("providers: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML must fail")
	}
}
