// Package record defines the normalized usage records the collection
// pipeline produces: point-in-time quota snapshots and timestamped
// token-usage timeline points, together with the derived content keys
// used to recognize the same logical event across sources.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies one supported AI CLI.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
)

// Providers returns the closed set of supported providers.
func Providers() []Provider {
	return []Provider{ProviderClaude, ProviderCodex}
}

// Track identifies one of the two data tracks collected per provider.
type Track int

const (
	// TrackQuota is the point-in-time quota/plan snapshot track.
	TrackQuota Track = iota
	// TrackTimeline is the token-usage timeline track.
	TrackTimeline
)

func (t Track) String() string {
	switch t {
	case TrackQuota:
		return "quota"
	case TrackTimeline:
		return "timeline"
	default:
		return fmt.Sprintf("track(%d)", int(t))
	}
}

// Confidence grades how much of a parsed record was directly observed
// versus inferred or defaulted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TimelinePoint is one timestamped usage event contributing to a
// provider's token timeline. Token fields are nil when the source did
// not carry them. Points are immutable after creation; merging only
// ever picks a preferred duplicate, it never mutates one.
type TimelinePoint struct {
	Provider  Provider  `json:"provider"`
	Timestamp time.Time `json:"timestamp"`

	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`

	// Cache accounting reported by some sources alongside the primary
	// token counts. Optional.
	CacheReadTokens     *int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens *int64 `json:"cache_creation_tokens,omitempty"`

	// Identity fields used for intra-source merging when present.
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	SourceFile    string     `json:"source_file,omitempty"`
	Confidence    Confidence `json:"confidence"`
	ParserVersion int        `json:"parser_version"`
}

// EffectiveTotal returns the best available total token count: the
// explicit total when present, otherwise prompt+completion.
func (p TimelinePoint) EffectiveTotal() int64 {
	if p.TotalTokens != nil {
		return *p.TotalTokens
	}
	var sum int64
	if p.PromptTokens != nil {
		sum += *p.PromptTokens
	}
	if p.CompletionTokens != nil {
		sum += *p.CompletionTokens
	}
	return sum
}

// IdentityKey returns the stable request/message identity of the point,
// or "" when the source carried neither.
func (p TimelinePoint) IdentityKey() string {
	if p.RequestID != "" {
		return "req:" + p.RequestID
	}
	if p.MessageID != "" {
		return "msg:" + p.MessageID
	}
	return ""
}

// ContentKey derives the cross-source dedup key: the same logical event
// arriving from two sources (or from a re-scan) produces the same key.
func (p TimelinePoint) ContentKey() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s",
		p.Provider,
		p.Timestamp.UTC().UnixMilli(),
		NormalizeID(p.SessionID),
		NormalizeID(p.Model),
		formatOptInt(p.PromptTokens),
		formatOptInt(p.CompletionTokens),
		formatOptInt(p.TotalTokens),
	)
}

// Completeness counts how many optional fields the point carries
// directly. Used as the final tie-break when merging duplicates.
func (p TimelinePoint) Completeness() int {
	score := 0
	for _, set := range []bool{
		p.SessionID != "",
		p.Model != "",
		p.PromptTokens != nil,
		p.CompletionTokens != nil,
		p.TotalTokens != nil,
		p.CacheReadTokens != nil,
		p.CacheCreationTokens != nil,
		p.RequestID != "",
		p.MessageID != "",
	} {
		if set {
			score++
		}
	}
	return score
}

// NormalizeID canonicalizes session/model identifiers for comparison.
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func formatOptInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

// UsageWindow is one quota window inside a snapshot (for example a
// rolling 5-hour or 7-day limit).
type UsageWindow struct {
	ID               string     `json:"id"`
	UsedPercent      *float64   `json:"used_percent,omitempty"`
	RemainingPercent *float64   `json:"remaining_percent,omitempty"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	Scope            string     `json:"scope,omitempty"`
}

// Snapshot is one point-in-time quota/plan observation for a provider.
// The store keeps full history; "latest per provider" is derived.
type Snapshot struct {
	Provider      Provider      `json:"provider"`
	ObservedAt    time.Time     `json:"observed_at"`
	Source        string        `json:"source"`
	Plan          string        `json:"plan,omitempty"`
	Windows       []UsageWindow `json:"windows,omitempty"`
	Confidence    Confidence    `json:"confidence"`
	ParserVersion int           `json:"parser_version"`
}

// Int64 returns a pointer to v. Convenience for optional token fields.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
