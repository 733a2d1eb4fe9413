package parse

import (
	"testing"
	"time"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"prompt_tokens", "prompttokens"},
		{"Prompt-Tokens", "prompttokens"},
		{"prompt.tokens", "prompttokens"},
		{"Prompt Tokens", "prompttokens"},
		{"promptTokens", "prompttokens"},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePrefersShallowestDepth(t *testing.T) {
	fields, err := Flatten([]byte(`{
		"model": "outer",
		"message": {"model": "inner"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := ResolveString(fields, "model")
	if !ok || got != "outer" {
		t.Fatalf("ResolveString(model) = %q/%v, want outer", got, ok)
	}
}

func TestResolveLexicalTieBreak(t *testing.T) {
	fields, err := Flatten([]byte(`{
		"tokens_in": 7,
		"input_tokens": 3
	}`))
	if err != nil {
		t.Fatal(err)
	}
	// Same depth, both candidates present: "inputtokens" sorts before
	// "tokensin".
	got, ok := ResolveInt64(fields, "tokens_in", "input_tokens")
	if !ok || got != 3 {
		t.Fatalf("ResolveInt64 = %d/%v, want 3 (lexical tie-break)", got, ok)
	}
}

func TestResolveSkipsUncoercibleValues(t *testing.T) {
	fields, err := Flatten([]byte(`{
		"time": {"created": 1700000000},
		"timestamp": "not-a-time"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := ResolveTime(fields, "timestamp", "time", "created")
	if !ok {
		t.Fatal("ResolveTime found nothing")
	}
	if want := time.Unix(1700000000, 0).UTC(); !got.Equal(want) {
		t.Fatalf("ResolveTime = %v, want %v", got, want)
	}
}

func TestTimeFromFormats(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"rfc3339", "2025-06-01T10:30:00Z", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"fractional", "2025-06-01T10:30:00.250Z", time.Date(2025, 6, 1, 10, 30, 0, 250_000_000, time.UTC)},
		{"epoch seconds", float64(1748773800), time.Unix(1748773800, 0).UTC()},
		{"epoch millis", float64(1748773800123), time.UnixMilli(1748773800123).UTC()},
		{"epoch string", "1748773800", time.Unix(1748773800, 0).UTC()},
	}
	for _, tt := range tests {
		got, ok := TimeFrom(tt.in)
		if !ok {
			t.Errorf("%s: TimeFrom(%v) failed", tt.name, tt.in)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: TimeFrom(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}

	for _, bad := range []any{"", "garbage", true, nil, float64(-5)} {
		if _, ok := TimeFrom(bad); ok {
			t.Errorf("TimeFrom(%v) unexpectedly succeeded", bad)
		}
	}
}

func TestInt64From(t *testing.T) {
	if v, ok := Int64From(float64(42)); !ok || v != 42 {
		t.Errorf("Int64From(42.0) = %d/%v", v, ok)
	}
	if v, ok := Int64From("17"); !ok || v != 17 {
		t.Errorf("Int64From(\"17\") = %d/%v", v, ok)
	}
	if _, ok := Int64From("x"); ok {
		t.Error("Int64From(\"x\") should fail")
	}
	if _, ok := Int64From(map[string]any{}); ok {
		t.Error("Int64From(map) should fail")
	}
}

func TestFlattenMalformed(t *testing.T) {
	if _, err := Flatten([]byte(`{"broken":`)); err == nil {
		t.Fatal("Flatten of malformed JSON should error")
	}
}
