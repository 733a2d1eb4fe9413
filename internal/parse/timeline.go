package parse

import (
	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// ParserVersion is stamped on every record this package produces.
const ParserVersion = 1

// Candidate key lists, tried in flatten order (shallowest depth first,
// then lexical). Sources rename these fields freely across versions.
var (
	promptKeys = []string{
		"prompt_tokens", "input_tokens", "tokens_in",
		"prompt_token_count", "input_token_count", "input",
	}
	completionKeys = []string{
		"completion_tokens", "output_tokens", "tokens_out",
		"completion_token_count", "output_token_count", "output",
	}
	totalKeys = []string{
		"total_tokens", "tokens_total", "total_token_count",
	}
	cacheReadKeys = []string{
		"cache_read_input_tokens", "cache_read_tokens", "cached_tokens",
	}
	cacheCreationKeys = []string{
		"cache_creation_input_tokens", "cache_write_tokens", "cache_creation_tokens",
	}
	sessionKeys = []string{
		"session_id", "sessionid", "conversation_id", "chat_id",
	}
	modelKeys = []string{
		"model", "model_id", "model_name", "modelid",
	}
	timestampKeys = []string{
		"timestamp", "created_at", "completed", "created", "datetime", "ts",
	}
	requestIDKeys = []string{
		"request_id", "requestid",
	}
	messageIDKeys = []string{
		"message_id", "messageid", "uuid",
	}
	// Containers holding a running cumulative usage total rather than
	// a per-event delta.
	cumulativeKeys = []string{
		"total_token_usage", "cumulative_usage", "running_total",
	}
	// Containers holding the per-event usage next to a cumulative one.
	lastUsageKeys = []string{
		"last_token_usage", "delta_usage",
	}
)

// CumulativeState tracks, per normalized session, the highest running
// total seen across collection passes, so cumulative sources emit
// per-event deltas exactly once. Owned by the caller and reused for
// every pass over one provider's sources.
type CumulativeState struct {
	highest map[string]int64
}

// NewCumulativeState returns empty cumulative-tracking state.
func NewCumulativeState() *CumulativeState {
	return &CumulativeState{highest: make(map[string]int64)}
}

// Apply folds one cumulative observation into the state. The first
// observation for a session contributes its full value; later ones
// contribute their positive delta. Repeats and regressions contribute
// nothing (avoids double counting and negative deltas).
func (s *CumulativeState) Apply(session string, cum int64) (int64, bool) {
	key := record.NormalizeID(session)
	prev, seen := s.highest[key]
	if !seen {
		s.highest[key] = cum
		return cum, true
	}
	if cum > prev {
		s.highest[key] = cum
		return cum - prev, true
	}
	return 0, false
}

// Observe primes the state without emitting, used when replaying
// lookback context. The high-water mark only ever moves forward.
func (s *CumulativeState) Observe(session string, cum int64) {
	key := record.NormalizeID(session)
	if prev, seen := s.highest[key]; !seen || cum > prev {
		s.highest[key] = cum
	}
}

const (
	// backfillWindow bounds how many recent model observations are
	// kept for nearest-model inference.
	backfillWindow = 64
	// backfillMaxDistance is the furthest line distance a model may be
	// borrowed across.
	backfillMaxDistance = 10
)

type modelObservation struct {
	session string
	model   string
	line    int
}

// LineParser extracts timeline points from one file's line stream.
// Model backfill state is scoped to the file; cumulative-total state is
// shared across the provider's files and passes.
type LineParser struct {
	provider   record.Provider
	sourceFile string
	cumulative *CumulativeState

	lastModelBySession map[string]string
	window             []modelObservation
	line               int
}

// NewLineParser returns a parser for one file pass. cumulative may be
// shared across files and passes; pass nil to disable delta tracking.
func NewLineParser(provider record.Provider, sourceFile string, cumulative *CumulativeState) *LineParser {
	return &LineParser{
		provider:           provider,
		sourceFile:         sourceFile,
		cumulative:         cumulative,
		lastModelBySession: make(map[string]string),
	}
}

// Prime feeds a lookback-context line: session/model and cumulative
// state are updated, but no record is emitted.
func (p *LineParser) Prime(raw []byte) {
	p.line++
	fields, err := Flatten(raw)
	if err != nil {
		return
	}
	session, _ := ResolveString(fields, sessionKeys...)
	p.observeModel(fields, session)
	if p.cumulative != nil {
		if cum, ok := cumulativeTotal(fields); ok {
			p.cumulative.Observe(p.cumulativeKey(session), cum)
		}
	}
}

// cumulativeKey scopes session-less cumulative totals to their file so
// unrelated streams never share a high-water mark.
func (p *LineParser) cumulativeKey(session string) string {
	if session != "" {
		return session
	}
	return "file:" + p.sourceFile
}

// Parse extracts a timeline point from one raw line. Malformed lines
// and lines with no token information of any kind are discarded.
func (p *LineParser) Parse(raw []byte) (record.TimelinePoint, bool) {
	p.line++
	fields, err := Flatten(raw)
	if err != nil {
		return record.TimelinePoint{}, false
	}

	session, _ := ResolveString(fields, sessionKeys...)
	model, modelDirect := ResolveString(fields, modelKeys...)
	p.observeModel(fields, session)

	ts, tsOK := ResolveTime(fields, timestampKeys...)
	if !tsOK {
		return record.TimelinePoint{}, false
	}

	point := record.TimelinePoint{
		Provider:      p.provider,
		Timestamp:     ts,
		SessionID:     session,
		SourceFile:    p.sourceFile,
		ParserVersion: ParserVersion,
	}
	if reqID, ok := ResolveString(fields, requestIDKeys...); ok {
		point.RequestID = reqID
	}
	if msgID, ok := ResolveString(fields, messageIDKeys...); ok {
		point.MessageID = msgID
	}

	tokens, hasTokens := p.resolveTokens(fields, session)
	if !hasTokens {
		return record.TimelinePoint{}, false
	}
	point.PromptTokens = tokens.prompt
	point.CompletionTokens = tokens.completion
	point.TotalTokens = tokens.total
	point.CacheReadTokens = tokens.cacheRead
	point.CacheCreationTokens = tokens.cacheCreation

	inferred := false
	if model == "" {
		model, inferred = p.backfillModel(session)
	}
	point.Model = model

	point.Confidence = grade(point, modelDirect && !inferred, tokens.derivedTotal)
	return point, true
}

type tokenSet struct {
	prompt        *int64
	completion    *int64
	total         *int64
	cacheRead     *int64
	cacheCreation *int64
	// derivedTotal marks a total computed from a cumulative delta
	// rather than read directly off the line.
	derivedTotal bool
}

// resolveTokens extracts token counts, handling sources that report a
// running cumulative total instead of per-event counts. Returns false
// when the line carries no token information at all.
func (p *LineParser) resolveTokens(fields []Field, session string) (tokenSet, bool) {
	var out tokenSet

	cumFields, hasCumulative := ResolveSubtree(fields, cumulativeKeys...)
	perEvent := fields
	if hasCumulative {
		// Per-event counts may only be trusted from an explicit
		// delta container; everything else on the line is cumulative.
		if lastFields, ok := ResolveSubtree(fields, lastUsageKeys...); ok {
			perEvent = lastFields
		} else {
			perEvent = nil
		}
	}

	if v, ok := ResolveInt64(perEvent, promptKeys...); ok {
		out.prompt = record.Int64(v)
	}
	if v, ok := ResolveInt64(perEvent, completionKeys...); ok {
		out.completion = record.Int64(v)
	}
	if v, ok := ResolveInt64(perEvent, totalKeys...); ok {
		out.total = record.Int64(v)
	}
	if v, ok := ResolveInt64(perEvent, cacheReadKeys...); ok {
		out.cacheRead = record.Int64(v)
	}
	if v, ok := ResolveInt64(perEvent, cacheCreationKeys...); ok {
		out.cacheCreation = record.Int64(v)
	}

	if hasCumulative && out.total == nil && p.cumulative != nil {
		if cum, ok := totalFromFields(cumFields); ok {
			if delta, emit := p.cumulative.Apply(p.cumulativeKey(session), cum); emit {
				out.total = record.Int64(delta)
				out.derivedTotal = true
			} else if out.prompt == nil && out.completion == nil {
				// Repeat or regression with no per-event counts:
				// nothing to record.
				return out, false
			}
		}
	}

	hasAny := out.prompt != nil || out.completion != nil || out.total != nil
	return out, hasAny
}

func cumulativeTotal(fields []Field) (int64, bool) {
	cumFields, ok := ResolveSubtree(fields, cumulativeKeys...)
	if !ok {
		return 0, false
	}
	return totalFromFields(cumFields)
}

// totalFromFields reads a total out of a usage container, summing
// prompt+completion when no explicit total is present.
func totalFromFields(fields []Field) (int64, bool) {
	if v, ok := ResolveInt64(fields, totalKeys...); ok {
		return v, true
	}
	in, inOK := ResolveInt64(fields, promptKeys...)
	outv, outOK := ResolveInt64(fields, completionKeys...)
	if inOK || outOK {
		return in + outv, true
	}
	return 0, false
}

// observeModel records a model sighting for later backfill.
func (p *LineParser) observeModel(fields []Field, session string) {
	model, ok := ResolveString(fields, modelKeys...)
	if !ok {
		return
	}
	if session != "" {
		p.lastModelBySession[record.NormalizeID(session)] = model
	}
	p.window = append(p.window, modelObservation{
		session: record.NormalizeID(session),
		model:   model,
		line:    p.line,
	})
	if len(p.window) > backfillWindow {
		p.window = p.window[len(p.window)-backfillWindow:]
	}
}

// backfillModel infers a missing model: same-session last-known model
// first, then the nearest recent observation within the line-distance
// window, preferring same-session sightings over session-less ones.
func (p *LineParser) backfillModel(session string) (string, bool) {
	if session != "" {
		if m, ok := p.lastModelBySession[record.NormalizeID(session)]; ok {
			return m, true
		}
	}
	norm := record.NormalizeID(session)
	best := ""
	bestDist := backfillMaxDistance + 1
	bestSameSession := false
	for _, obs := range p.window {
		dist := p.line - obs.line
		if dist < 0 {
			dist = -dist
		}
		if dist > backfillMaxDistance {
			continue
		}
		sameSession := obs.session != "" && obs.session == norm
		anonymous := obs.session == ""
		if !sameSession && !anonymous {
			continue
		}
		if sameSession && !bestSameSession || (sameSession == bestSameSession && dist < bestDist) {
			best = obs.model
			bestDist = dist
			bestSameSession = sameSession
		}
	}
	return best, best != ""
}

// grade assigns the confidence level. Inferred or missing identity
// fields and an explicit total that contradicts the split counts
// degrade to low; a fully direct, consistent record is high; partial
// but usable token data is medium.
func grade(p record.TimelinePoint, modelDirect, derivedTotal bool) record.Confidence {
	if p.SessionID == "" || p.Model == "" || !modelDirect {
		return record.ConfidenceLow
	}
	direct := p.PromptTokens != nil && p.CompletionTokens != nil
	if direct && !derivedTotal && p.TotalTokens != nil && *p.TotalTokens != *p.PromptTokens+*p.CompletionTokens {
		return record.ConfidenceLow
	}
	if direct && !derivedTotal {
		return record.ConfidenceHigh
	}
	if p.TotalTokens != nil || direct {
		return record.ConfidenceMedium
	}
	return record.ConfidenceLow
}

// ParseSegment runs a tail segment through a fresh per-file parser:
// context lines prime state only, data lines emit points.
func ParseSegment(provider record.Provider, sourceFile string, context, data [][]byte, cumulative *CumulativeState) []record.TimelinePoint {
	p := NewLineParser(provider, sourceFile, cumulative)
	for _, line := range context {
		if len(line) > 0 {
			p.Prime(line)
		}
	}
	var out []record.TimelinePoint
	for _, line := range data {
		if len(line) == 0 {
			continue
		}
		if point, ok := p.Parse(line); ok {
			out = append(out, point)
		}
	}
	return out
}

// SplitLines cuts a byte buffer into lines, tolerating CRLF and a
// missing trailing terminator.
func SplitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\n' {
			line := buf[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			out = append(out, line)
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, buf[start:])
	}
	return out
}
