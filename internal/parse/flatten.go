// Package parse turns raw log lines and payloads of drifting shape
// into normalized usage records. Fields are located by candidate-name
// lists over a flattened view of the JSON, so renamed or re-nested
// fields keep resolving without schema updates.
package parse

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field is one node of a flattened JSON document. Container nodes are
// emitted too, so a resolver can descend into a matched subtree.
type Field struct {
	// Key is the normalized leaf name (lower-cased, separators
	// stripped).
	Key string
	// Value is the raw decoded value: string, float64, bool, nil,
	// map[string]any or []any.
	Value any
	// Depth is the nesting depth, starting at 1 for top-level keys.
	Depth int
}

// NormalizeKey canonicalizes a JSON key or candidate name.
func NormalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		switch r {
		case '_', '-', '.', ' ':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Flatten decodes raw JSON and lists every keyed node with its
// normalized key and depth.
func Flatten(raw []byte) ([]Field, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var out []Field
	flattenValue(v, 0, &out)
	return out, nil
}

// FlattenValue flattens an already-decoded JSON value.
func FlattenValue(v any) []Field {
	var out []Field
	flattenValue(v, 0, &out)
	return out
}

func flattenValue(v any, depth int, out *[]Field) {
	switch node := v.(type) {
	case map[string]any:
		// Sorted walk keeps resolution deterministic when the same
		// normalized key appears at the same depth twice.
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := node[k]
			*out = append(*out, Field{Key: NormalizeKey(k), Value: child, Depth: depth + 1})
			flattenValue(child, depth+1, out)
		}
	case []any:
		for _, child := range node {
			flattenValue(child, depth+1, out)
		}
	}
}

// Resolve returns the value for the first candidate name that matches,
// preferring the shallowest nesting depth, then the lexically smallest
// normalized key, then input order. Candidates may be unnormalized.
// accept filters out values that cannot be coerced; pass nil to accept
// anything.
func Resolve(fields []Field, candidates []string, accept func(any) bool) (any, bool) {
	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[NormalizeKey(c)] = true
	}

	var matches []Field
	for _, f := range fields {
		if wanted[f.Key] {
			matches = append(matches, f)
		}
	}
	// Stable selection: shallower first, then lexical key. Equal
	// (depth, key) pairs keep input order.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && lessField(matches[j], matches[j-1]); j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	for _, m := range matches {
		if accept == nil || accept(m.Value) {
			return m.Value, true
		}
	}
	return nil, false
}

func lessField(a, b Field) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Key < b.Key
}

// ResolveInt64 resolves the first candidate that coerces to an integer.
func ResolveInt64(fields []Field, candidates ...string) (int64, bool) {
	v, ok := Resolve(fields, candidates, func(v any) bool {
		_, ok := Int64From(v)
		return ok
	})
	if !ok {
		return 0, false
	}
	return int64From(v)
}

// ResolveString resolves the first candidate that is a non-empty string.
func ResolveString(fields []Field, candidates ...string) (string, bool) {
	v, ok := Resolve(fields, candidates, func(v any) bool {
		s, isStr := v.(string)
		return isStr && strings.TrimSpace(s) != ""
	})
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v.(string)), true
}

// ResolveTime resolves the first candidate that parses as a timestamp.
func ResolveTime(fields []Field, candidates ...string) (time.Time, bool) {
	v, ok := Resolve(fields, candidates, func(v any) bool {
		_, ok := TimeFrom(v)
		return ok
	})
	if !ok {
		return time.Time{}, false
	}
	return TimeFrom(v)
}

// ResolveSubtree resolves the first candidate whose value is an object,
// returning its flattened fields.
func ResolveSubtree(fields []Field, candidates ...string) ([]Field, bool) {
	v, ok := Resolve(fields, candidates, func(v any) bool {
		_, isMap := v.(map[string]any)
		return isMap
	})
	if !ok {
		return nil, false
	}
	return FlattenValue(v), true
}

// Int64From coerces JSON scalars to an integer token count.
func Int64From(v any) (int64, bool) {
	return int64From(v)
}

func int64From(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != n || n > float64(1<<62) || n < -float64(1<<62) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// epochMillisFloor distinguishes epoch milliseconds from epoch seconds
// by magnitude; anything this large cannot be a seconds value before
// the year 5138.
const epochMillisFloor = 1e11

// TimeFrom coerces strings and numbers to a timestamp. Strings are
// tried as ISO-8601 (with or without fractional seconds), then as
// numeric epochs; numbers are epoch seconds or milliseconds,
// heuristically distinguished by magnitude.
func TimeFrom(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(f)
		}
		return time.Time{}, false
	case float64:
		return epochTime(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochTime(f)
	default:
		return time.Time{}, false
	}
}

func epochTime(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v >= epochMillisFloor {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec := int64(v)
	frac := v - float64(sec)
	return time.Unix(sec, int64(frac*float64(time.Second))).UTC(), true
}
