package tail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func TestAdvanceFirstSightReadsWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line1\nline2\npartial")

	tr := NewTracker()
	seg, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !seg.New || !seg.FromStart {
		t.Fatalf("first sight: New=%v FromStart=%v, want both true", seg.New, seg.FromStart)
	}
	// From-scratch reads parse trailing partial bytes best-effort too.
	if got := string(seg.Data); got != "line1\nline2\npartial" {
		t.Fatalf("Data = %q", got)
	}
}

func TestAdvanceSteadyStateIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line1\n")

	tr := NewTracker()
	if _, err := tr.Advance(path); err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	seg, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if seg.New {
		t.Fatalf("unchanged file produced new data: %q", seg.Data)
	}
}

func TestAdvanceIdempotentTailing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "a\nb\n")

	tr := NewTracker()
	first, _ := tr.Advance(path)
	if got := strings.Count(string(first.Data), "\n"); got != 2 {
		t.Fatalf("first pass lines = %d, want 2", got)
	}

	appendFile(t, path, "c\nd\ne\n")
	second, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("Advance after append: %v", err)
	}
	if got := string(second.Data); got != "c\nd\ne\n" {
		t.Fatalf("second pass Data = %q, want only the appended lines", got)
	}

	// Re-running with no new bytes yields nothing.
	third, _ := tr.Advance(path)
	if third.New {
		t.Fatalf("third pass re-surfaced data: %q", third.Data)
	}
}

func TestAdvancePartialLineHeldUntilCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "a\n")

	tr := NewTracker()
	if _, err := tr.Advance(path); err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	appendFile(t, path, `{"tokens":`)
	seg, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("Advance with partial: %v", err)
	}
	if len(seg.Data) != 0 {
		t.Fatalf("partial line surfaced early: %q", seg.Data)
	}

	appendFile(t, path, "42}\n")
	seg, err = tr.Advance(path)
	if err != nil {
		t.Fatalf("Advance after completion: %v", err)
	}
	if got := string(seg.Data); got != `{"tokens":42}`+"\n" {
		t.Fatalf("completed line = %q", got)
	}
}

func TestAdvanceTruncationRestartsFromZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "old1\nold2\nold3\n")

	tr := NewTracker()
	if _, err := tr.Advance(path); err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	// Rewrite smaller than the previous offset, as log rotation does.
	writeFile(t, path, "new\n")
	seg, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("Advance after truncation: %v", err)
	}
	if !seg.FromStart {
		t.Fatal("truncation should force a from-scratch read")
	}
	if got := string(seg.Data); got != "new\n" {
		t.Fatalf("Data after truncation = %q", got)
	}
}

func TestAdvanceCarriesContextTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "first\n")

	tr := NewTracker()
	if _, err := tr.Advance(path); err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	appendFile(t, path, "second\n")
	seg, err := tr.Advance(path)
	if err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if got := string(seg.Context); got != "first\n" {
		t.Fatalf("Context = %q, want prior parsed bytes", got)
	}
	if got := string(seg.Data); got != "second\n" {
		t.Fatalf("Data = %q", got)
	}
}

func TestContextTailBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	big := strings.Repeat("x", 100_000) + "\n"
	writeFile(t, path, big)

	tr := NewTracker()
	if _, err := tr.Advance(path); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cur, ok := tr.Cursor(path)
	if !ok {
		t.Fatal("cursor missing after Advance")
	}
	if len(cur.Context) > MaxContextTail {
		t.Fatalf("context tail %d bytes, cap is %d", len(cur.Context), MaxContextTail)
	}
}

func TestRetainDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	writeFile(t, a, "a\n")
	writeFile(t, b, "b\n")

	tr := NewTracker()
	if _, err := tr.Advance(a); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Advance(b); err != nil {
		t.Fatal(err)
	}

	tr.Retain([]string{a})
	if _, ok := tr.Cursor(b); ok {
		t.Fatal("cursor for vanished file should be dropped")
	}
	if _, ok := tr.Cursor(a); !ok {
		t.Fatal("cursor for active file should survive")
	}
}

func TestFindFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "a.jsonl"), "")
	writeFile(t, filepath.Join(sub, "b.JSONL"), "")
	writeFile(t, filepath.Join(dir, "skip.txt"), "")

	got := FindFiles([]string{dir, filepath.Join(dir, "missing")}, map[string]bool{".jsonl": true})
	if len(got) != 2 {
		t.Fatalf("FindFiles = %v, want 2 matches", got)
	}
}
