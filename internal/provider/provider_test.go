package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

type fakeDoer struct {
	lastReq *http.Request
	status  int
	body    string
	err     error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(f.body))),
	}, nil
}

func writeClaudeState(t *testing.T, home string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, ".claude.json"),
		[]byte(`{"oauthAccount":{"organizationUuid":"org-123"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".claude", ".credentials.json"),
		[]byte(`{"claudeAiOauth":{"accessToken":"tok","subscriptionType":"max"}}`), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestClaudeQuotaFetch(t *testing.T) {
	home := t.TempDir()
	writeClaudeState(t, home)

	doer := &fakeDoer{
		status: http.StatusOK,
		body: `{
			"five_hour": {"utilization": 12.5, "resets_at": "2025-06-01T12:00:00Z"},
			"seven_day": {"utilization": 40.0, "resets_at": "2025-06-05T00:00:00Z"}
		}`,
	}
	q := NewClaudeQuota(home, doer)

	snap, err := q.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Provider != record.ProviderClaude || snap.Source != "oauth" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Plan != "max" {
		t.Errorf("Plan = %q, want subscription fallback", snap.Plan)
	}
	if len(snap.Windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(snap.Windows))
	}
	w := snap.Windows[0]
	if w.ID != "five_hour" || w.UsedPercent == nil || *w.UsedPercent != 12.5 {
		t.Errorf("five_hour window = %+v", w)
	}
	if w.RemainingPercent == nil || *w.RemainingPercent != 87.5 {
		t.Errorf("RemainingPercent = %v", w.RemainingPercent)
	}
	if w.ResetAt == nil {
		t.Error("ResetAt not parsed")
	}

	if got := doer.lastReq.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := doer.lastReq.Header.Get("anthropic-organization-id"); got != "org-123" {
		t.Errorf("organization header = %q", got)
	}
}

func TestClaudeQuotaDecodeErrors(t *testing.T) {
	home := t.TempDir()
	writeClaudeState(t, home)

	// Structurally empty payload surfaces as a typed decode error.
	q := NewClaudeQuota(home, &fakeDoer{status: http.StatusOK, body: `{}`})
	_, err := q.Fetch(context.Background())
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecodeError", err)
	}

	// Non-200 is a plain transient failure.
	q = NewClaudeQuota(home, &fakeDoer{status: http.StatusForbidden, body: `{}`})
	if _, err := q.Fetch(context.Background()); err == nil {
		t.Fatal("non-200 response must fail")
	}
}

func TestClaudeQuotaMissingState(t *testing.T) {
	home := t.TempDir()
	q := NewClaudeQuota(home, &fakeDoer{status: http.StatusOK, body: `{}`})
	if _, err := q.Fetch(context.Background()); err == nil {
		t.Fatal("missing config must fail")
	}

	// Config present but without an org uuid.
	if err := os.WriteFile(filepath.Join(home, ".claude.json"), []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := q.Fetch(context.Background())
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecodeError for missing org uuid", err)
	}
}

type fakeRunner struct {
	version string
	usage   string
	calls   []string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	if f.err != nil {
		return nil, f.err
	}
	if len(args) > 0 && args[0] == "--version" {
		return []byte(f.version), nil
	}
	return []byte(f.usage), nil
}

func TestCodexQuotaFetch(t *testing.T) {
	runner := &fakeRunner{
		version: "codex-cli 0.45.0\n",
		usage: `{
			"plan_type": "plus",
			"rate_limit": {
				"primary": {"used_percent": 30.0, "window_minutes": 300, "resets_at": 1748773800},
				"secondary": {"used_percent": 55.0, "window_minutes": 10080}
			}
		}`,
	}
	q := NewCodexQuota("codex", runner)

	snap, err := q.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Provider != record.ProviderCodex || snap.Source != "cli" || snap.Plan != "plus" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(snap.Windows))
	}
	if snap.Windows[0].ID != "primary" || snap.Windows[0].Scope != "300m" {
		t.Errorf("primary window = %+v", snap.Windows[0])
	}
	if snap.Windows[0].ResetAt == nil || snap.Windows[0].ResetAt.Unix() != 1748773800 {
		t.Errorf("primary ResetAt = %v", snap.Windows[0].ResetAt)
	}
	if snap.Windows[1].ResetAt != nil {
		t.Errorf("secondary ResetAt = %v, want nil", snap.Windows[1].ResetAt)
	}

	// The version gate runs once, not per tick.
	if _, err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	probes := 0
	for _, call := range runner.calls {
		if strings.HasSuffix(call, "--version") {
			probes++
		}
	}
	if probes != 1 {
		t.Errorf("version probes = %d, want 1", probes)
	}
}

func TestCodexQuotaVersionGate(t *testing.T) {
	runner := &fakeRunner{version: "codex-cli 0.39.1\n", usage: `{}`}
	q := NewCodexQuota("codex", runner)
	if _, err := q.Fetch(context.Background()); err == nil {
		t.Fatal("old CLI version must be rejected")
	}
}

func TestCodexQuotaDecodeErrors(t *testing.T) {
	for name, usage := range map[string]string{
		"empty output":  "  \n",
		"not json":      "Usage this month: lots",
		"no rate limit": `{"plan_type":"plus"}`,
	} {
		runner := &fakeRunner{version: "codex-cli 1.0.0", usage: usage}
		q := NewCodexQuota("codex", runner)
		_, err := q.Fetch(context.Background())
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err = %v, want DecodeError", name, err)
		}
	}
}

func TestCodexQuotaRunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("exec: %q not found", "codex")}
	q := NewCodexQuota("codex", runner)
	if _, err := q.Fetch(context.Background()); err == nil {
		t.Fatal("runner failure must surface")
	}
}

func TestLogSources(t *testing.T) {
	sources := LogSources("/home/u")
	claude, ok := sources[record.ProviderClaude]
	if !ok || len(claude.Roots) != 2 || !claude.Exts[".jsonl"] {
		t.Fatalf("claude source = %+v", claude)
	}
	codex := sources[record.ProviderCodex]
	if len(codex.Roots) != 1 || !strings.Contains(codex.Roots[0], ".codex") {
		t.Fatalf("codex source = %+v", codex)
	}
}
