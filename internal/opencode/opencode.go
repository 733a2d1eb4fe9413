// Package opencode reads usage events out of the shared OpenCode
// message database. Access is incremental: a per-provider row cursor
// marks the last rowid consumed and only ever advances.
package opencode

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aceteam-ai/tokenwatch/internal/parse"
	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// Row is one raw message-table row past the cursor.
type Row struct {
	RowID       int64
	MessageID   string
	SessionID   string
	TimeCreated int64
	Data        []byte
}

// Reader queries the shared message table. The database belongs to
// another application, so it is opened read-only and treated as
// append-only.
type Reader struct {
	db *sql.DB
}

// Open opens the shared database at dbPath read-only.
func Open(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open shared message db: %w", err)
	}
	return &Reader{db: db}, nil
}

// ReadSince returns up to limit rows with rowid greater than lastRowID,
// in rowid order, together with the new cursor position. A limit <= 0
// means no limit.
func (r *Reader) ReadSince(lastRowID int64, limit int) ([]Row, int64, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT rowid, id, session_id, time_created, data
		FROM message
		WHERE rowid > ?
		ORDER BY rowid ASC
		LIMIT ?`, lastRowID, limit)
	if err != nil {
		return nil, lastRowID, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Row
	cursor := lastRowID
	for rows.Next() {
		var row Row
		var data sql.NullString
		if err := rows.Scan(&row.RowID, &row.MessageID, &row.SessionID, &row.TimeCreated, &data); err != nil {
			return nil, lastRowID, fmt.Errorf("scan message row: %w", err)
		}
		row.Data = []byte(data.String)
		if row.RowID > cursor {
			cursor = row.RowID
		}
		out = append(out, row)
	}
	return out, cursor, rows.Err()
}

// Close closes the database connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// providerAliases maps the provider ids the shared table uses to the
// collecting provider.
var providerAliases = map[record.Provider][]string{
	record.ProviderClaude: {"claude", "anthropic"},
	record.ProviderCodex:  {"codex", "openai"},
}

// ParseRow turns one message row into a timeline point for provider.
// Rows belonging to another provider, rows without a provider id, rows
// without a decodable payload and rows carrying no token counts are
// skipped. The table is shared between consumers; a row with no
// resolvable provider id belongs to none of them.
func ParseRow(provider record.Provider, row Row) (record.TimelinePoint, bool) {
	fields, err := parse.Flatten(row.Data)
	if err != nil {
		return record.TimelinePoint{}, false
	}

	id, ok := parse.ResolveString(fields, "provider_id", "provider")
	if !ok || !matchesProvider(provider, id) {
		return record.TimelinePoint{}, false
	}

	point := record.TimelinePoint{
		Provider:      provider,
		SessionID:     row.SessionID,
		MessageID:     row.MessageID,
		SourceFile:    "opencode",
		ParserVersion: parse.ParserVersion,
	}
	if point.SessionID == "" {
		point.SessionID, _ = parse.ResolveString(fields, "session_id", "sessionid")
	}
	point.Model, _ = parse.ResolveString(fields, "model_id", "model")

	ts, ok := parse.ResolveTime(fields, "completed", "created", "timestamp")
	if !ok {
		ts, ok = parse.TimeFrom(float64(row.TimeCreated))
		if !ok {
			return record.TimelinePoint{}, false
		}
	}
	point.Timestamp = ts

	if v, ok := parse.ResolveInt64(fields, "input", "input_tokens", "prompt_tokens"); ok {
		point.PromptTokens = record.Int64(v)
	}
	if v, ok := parse.ResolveInt64(fields, "output", "output_tokens", "completion_tokens"); ok {
		point.CompletionTokens = record.Int64(v)
	}
	if cacheFields, ok := parse.ResolveSubtree(fields, "cache"); ok {
		if v, ok := parse.ResolveInt64(cacheFields, "read"); ok {
			point.CacheReadTokens = record.Int64(v)
		}
		if v, ok := parse.ResolveInt64(cacheFields, "write"); ok {
			point.CacheCreationTokens = record.Int64(v)
		}
	}
	if point.PromptTokens == nil && point.CompletionTokens == nil {
		return record.TimelinePoint{}, false
	}

	switch {
	case point.SessionID == "" || point.Model == "":
		point.Confidence = record.ConfidenceLow
	case point.PromptTokens != nil && point.CompletionTokens != nil:
		point.Confidence = record.ConfidenceHigh
	default:
		point.Confidence = record.ConfidenceMedium
	}
	return point, true
}

func matchesProvider(provider record.Provider, id string) bool {
	norm := record.NormalizeID(id)
	for _, alias := range providerAliases[provider] {
		if norm == alias {
			return true
		}
	}
	return false
}
