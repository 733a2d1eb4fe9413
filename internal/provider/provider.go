// Package provider describes the closed set of supported AI CLIs and
// implements their quota-snapshot adapters: an OAuth HTTP endpoint for
// claude and a CLI subcommand for codex. Log-source locations for the
// timeline track live here too.
package provider

import (
	"fmt"
	"path/filepath"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// LogSource describes where one provider writes its session logs.
type LogSource struct {
	Provider record.Provider
	// Roots are searched recursively; missing directories are skipped.
	Roots []string
	// Exts filters files by extension, lower-cased with leading dot.
	Exts map[string]bool
}

// LogSources returns the timeline log locations under the given home
// directory.
func LogSources(home string) map[record.Provider]LogSource {
	return map[record.Provider]LogSource{
		record.ProviderClaude: {
			Provider: record.ProviderClaude,
			Roots: []string{
				filepath.Join(home, ".claude", "projects"),
				filepath.Join(home, ".config", "claude", "projects"),
			},
			Exts: map[string]bool{".jsonl": true},
		},
		record.ProviderCodex: {
			Provider: record.ProviderCodex,
			Roots: []string{
				filepath.Join(home, ".codex", "sessions"),
			},
			Exts: map[string]bool{".jsonl": true},
		},
	}
}

// OpenCodeDBPath returns the location of the shared OpenCode message
// database under the given home directory.
func OpenCodeDBPath(home string) string {
	return filepath.Join(home, ".local", "share", "opencode", "opencode.db")
}

// DecodeError reports a Track1 payload whose required fields were
// structurally absent or unreadable. It surfaces to the scheduler as an
// ordinary transient failure.
type DecodeError struct {
	Source string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Source, e.Reason)
}

func decodeErr(source, format string, args ...any) *DecodeError {
	return &DecodeError{Source: source, Reason: fmt.Sprintf(format, args...)}
}
