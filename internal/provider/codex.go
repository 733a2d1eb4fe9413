package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/aceteam-ai/tokenwatch/internal/parse"
	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// minCodexVersion is the first CLI release whose usage subcommand emits
// JSON. Older binaries print a human table that cannot be decoded.
const minCodexVersion = "0.44.0"

// CommandRunner is the process execution surface for CLI adapters.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// CodexQuota fetches quota snapshots by invoking the codex CLI.
type CodexQuota struct {
	Binary string
	Runner CommandRunner

	minVersion *goversion.Version
	// checkedVersion caches the gate result for the process lifetime;
	// the installed binary does not change between ticks.
	checkedVersion bool
}

// NewCodexQuota returns an adapter invoking binary through runner.
func NewCodexQuota(binary string, runner CommandRunner) *CodexQuota {
	return &CodexQuota{
		Binary:     binary,
		Runner:     runner,
		minVersion: goversion.Must(goversion.NewVersion(minCodexVersion)),
	}
}

type codexWindow struct {
	UsedPercent   *float64 `json:"used_percent"`
	WindowMinutes int      `json:"window_minutes"`
	ResetsAt      int64    `json:"resets_at"`
}

type codexUsagePayload struct {
	PlanType  string `json:"plan_type"`
	RateLimit *struct {
		Primary   *codexWindow `json:"primary"`
		Secondary *codexWindow `json:"secondary"`
	} `json:"rate_limit"`
}

// Fetch performs one quota collection attempt: verify the installed
// version once, then decode `codex usage --json`.
func (c *CodexQuota) Fetch(ctx context.Context) (record.Snapshot, error) {
	if !c.checkedVersion {
		if err := c.checkVersion(ctx); err != nil {
			return record.Snapshot{}, err
		}
		c.checkedVersion = true
	}

	out, err := c.Runner.Run(ctx, c.Binary, "usage", "--json")
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("codex usage: %w", err)
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return record.Snapshot{}, decodeErr("codex usage", "empty output")
	}

	var payload codexUsagePayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return record.Snapshot{}, decodeErr("codex usage", "invalid JSON: %v", err)
	}
	if payload.RateLimit == nil {
		return record.Snapshot{}, decodeErr("codex usage", "rate_limit missing")
	}

	snap := record.Snapshot{
		Provider:      record.ProviderCodex,
		ObservedAt:    time.Now().UTC(),
		Source:        "cli",
		Plan:          payload.PlanType,
		Confidence:    record.ConfidenceHigh,
		ParserVersion: parse.ParserVersion,
	}
	appendCodexWindow(&snap, "primary", payload.RateLimit.Primary)
	appendCodexWindow(&snap, "secondary", payload.RateLimit.Secondary)
	if len(snap.Windows) == 0 {
		return record.Snapshot{}, decodeErr("codex usage", "no rate limit windows")
	}
	return snap, nil
}

func (c *CodexQuota) checkVersion(ctx context.Context) error {
	out, err := c.Runner.Run(ctx, c.Binary, "--version")
	if err != nil {
		return fmt.Errorf("codex version probe: %w", err)
	}
	// Output looks like "codex-cli 0.45.0"; the version is the last
	// whitespace-separated field.
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return decodeErr("codex version", "empty output")
	}
	installed, err := goversion.NewVersion(fields[len(fields)-1])
	if err != nil {
		return decodeErr("codex version", "unparseable version %q", fields[len(fields)-1])
	}
	if installed.LessThan(c.minVersion) {
		return fmt.Errorf("codex %s too old, need >= %s for JSON usage output", installed, c.minVersion)
	}
	return nil
}

func appendCodexWindow(snap *record.Snapshot, id string, w *codexWindow) {
	if w == nil {
		return
	}
	win := record.UsageWindow{ID: id}
	if w.WindowMinutes > 0 {
		win.Scope = fmt.Sprintf("%dm", w.WindowMinutes)
	}
	if w.UsedPercent != nil {
		win.UsedPercent = record.Float64(*w.UsedPercent)
		win.RemainingPercent = record.Float64(100 - *w.UsedPercent)
	}
	if w.ResetsAt > 0 {
		t := time.Unix(w.ResetsAt, 0).UTC()
		win.ResetAt = &t
	}
	snap.Windows = append(snap.Windows, win)
}
