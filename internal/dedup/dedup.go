// Package dedup collapses duplicate timeline points. Duplicates arise
// two ways: one logical request logged more than once inside a source
// (streaming updates sharing a request id), and the same event arriving
// from two sources or a re-scan (recognized by content key).
package dedup

import (
	"sort"

	"github.com/samber/lo"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// MergeByIdentity collapses points sharing a request/message identity to
// a single representative. Streaming sources log a request several times
// as counts grow, so the representative is the point with the highest
// effective total, then the latest timestamp, then the most populated
// fields. Points with no identity pass through untouched. Relative order
// of survivors follows first appearance.
func MergeByIdentity(points []record.TimelinePoint) []record.TimelinePoint {
	type slot struct {
		point record.TimelinePoint
		order int
	}
	byID := make(map[string]*slot)
	var out []slot

	for i, p := range points {
		id := p.IdentityKey()
		if id == "" {
			out = append(out, slot{point: p, order: i})
			continue
		}
		cur, seen := byID[id]
		if !seen {
			s := &slot{point: p, order: i}
			byID[id] = s
			continue
		}
		if preferred(p, cur.point) {
			cur.point = p
		}
	}

	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })

	return lo.Map(out, func(s slot, _ int) record.TimelinePoint { return s.point })
}

// preferred reports whether a should replace b as the representative of
// a shared identity.
func preferred(a, b record.TimelinePoint) bool {
	if at, bt := a.EffectiveTotal(), b.EffectiveTotal(); at != bt {
		return at > bt
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Completeness() > b.Completeness()
}

// DedupByContent drops points whose content key was already seen,
// keeping the first occurrence and preserving order. seen is mutated so
// the caller can carry it across collection passes; pass nil for a
// one-shot dedup.
func DedupByContent(points []record.TimelinePoint, seen map[string]bool) []record.TimelinePoint {
	if seen == nil {
		seen = make(map[string]bool, len(points))
	}
	return lo.Filter(points, func(p record.TimelinePoint, _ int) bool {
		key := p.ContentKey()
		if seen[key] {
			return false
		}
		seen[key] = true
		return true
	})
}

// Collapse runs the full pipeline: identity merge first, then
// content-key dedup against the caller's seen set.
func Collapse(points []record.TimelinePoint, seen map[string]bool) []record.TimelinePoint {
	return DedupByContent(MergeByIdentity(points), seen)
}
