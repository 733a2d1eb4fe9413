// Package settings loads the collection configuration: per provider and
// track, whether collection is enabled and at what period/timeout. The
// file is optional; absent keys fall back to defaults.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// Defaults per track.
const (
	DefaultQuotaPeriod    = 5 * time.Minute
	DefaultTimelinePeriod = time.Minute
	DefaultTimeout        = 30 * time.Second
)

// TrackConfig is the raw per-track YAML block. Durations are strings in
// time.ParseDuration syntax ("30s", "5m").
type TrackConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Period  string `yaml:"period"`
	Timeout string `yaml:"timeout"`
}

// ProviderConfig groups both tracks of one provider.
type ProviderConfig struct {
	Quota    TrackConfig `yaml:"quota"`
	Timeline TrackConfig `yaml:"timeline"`
}

// Config is the parsed configuration file.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Resolved is one track's effective configuration after defaulting.
type Resolved struct {
	Enabled bool
	Period  time.Duration
	Timeout time.Duration
}

// DefaultPath returns the config location under home.
func DefaultPath(home string) string {
	return filepath.Join(home, ".tokenwatch", "config.yaml")
}

// Load reads the config at path. A missing file yields an empty config,
// so every track runs with defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// For resolves the effective settings for one provider/track.
func (c *Config) For(provider record.Provider, track record.Track) (Resolved, error) {
	defaults := Resolved{Enabled: true, Timeout: DefaultTimeout}
	switch track {
	case record.TrackQuota:
		defaults.Period = DefaultQuotaPeriod
	default:
		defaults.Period = DefaultTimelinePeriod
	}

	pc, ok := c.Providers[string(provider)]
	if !ok {
		return defaults, nil
	}
	tc := pc.Timeline
	if track == record.TrackQuota {
		tc = pc.Quota
	}

	out := defaults
	if tc.Enabled != nil {
		out.Enabled = *tc.Enabled
	}
	if tc.Period != "" {
		d, err := time.ParseDuration(tc.Period)
		if err != nil || d <= 0 {
			return out, fmt.Errorf("invalid period %q for %s/%s", tc.Period, provider, track)
		}
		out.Period = d
	}
	if tc.Timeout != "" {
		d, err := time.ParseDuration(tc.Timeout)
		if err != nil || d <= 0 {
			return out, fmt.Errorf("invalid timeout %q for %s/%s", tc.Timeout, provider, track)
		}
		out.Timeout = d
	}
	return out, nil
}
