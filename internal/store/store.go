// Package store provides SQLite-backed persistence for the two record
// tracks: quota snapshots and token-usage timeline points. Each store
// exposes a load-all/replace-all contract plus a serialized
// read-modify-write Update, so callers merge in memory and the store
// stays the single writer.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

const timelineSchema = `
CREATE TABLE IF NOT EXISTS timeline_points (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    content_key           TEXT NOT NULL UNIQUE,
    provider              TEXT NOT NULL,
    timestamp             TEXT NOT NULL,
    session_id            TEXT NOT NULL DEFAULT '',
    model                 TEXT NOT NULL DEFAULT '',
    prompt_tokens         INTEGER,
    completion_tokens     INTEGER,
    total_tokens          INTEGER,
    cache_read_tokens     INTEGER,
    cache_creation_tokens INTEGER,
    request_id            TEXT NOT NULL DEFAULT '',
    message_id            TEXT NOT NULL DEFAULT '',
    source_file           TEXT NOT NULL DEFAULT '',
    confidence            TEXT NOT NULL,
    parser_version        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timeline_provider_ts ON timeline_points(provider, timestamp);
`

// TimelineStore persists the token-usage timeline.
type TimelineStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenTimelineStore opens (or creates) the timeline database at dbPath
// and runs migrations.
func OpenTimelineStore(dbPath string) (*TimelineStore, error) {
	db, err := openDB(dbPath, timelineSchema)
	if err != nil {
		return nil, fmt.Errorf("open timeline db: %w", err)
	}
	return &TimelineStore{db: db}, nil
}

// LoadAll returns every stored point ordered by timestamp.
func (s *TimelineStore) LoadAll() ([]record.TimelinePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllLocked()
}

func (s *TimelineStore) loadAllLocked() ([]record.TimelinePoint, error) {
	rows, err := s.db.Query(`
		SELECT provider, timestamp, session_id, model,
		       prompt_tokens, completion_tokens, total_tokens,
		       cache_read_tokens, cache_creation_tokens,
		       request_id, message_id, source_file,
		       confidence, parser_version
		FROM timeline_points
		ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var points []record.TimelinePoint
	for rows.Next() {
		var p record.TimelinePoint
		var ts string
		var prompt, completion, total, cacheRead, cacheCreation sql.NullInt64
		if err := rows.Scan(
			&p.Provider, &ts, &p.SessionID, &p.Model,
			&prompt, &completion, &total, &cacheRead, &cacheCreation,
			&p.RequestID, &p.MessageID, &p.SourceFile,
			&p.Confidence, &p.ParserVersion,
		); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.Timestamp = t
		}
		p.PromptTokens = fromNull(prompt)
		p.CompletionTokens = fromNull(completion)
		p.TotalTokens = fromNull(total)
		p.CacheReadTokens = fromNull(cacheRead)
		p.CacheCreationTokens = fromNull(cacheCreation)
		points = append(points, p)
	}
	return points, rows.Err()
}

// ReplaceAll replaces the full stored set with points. Points sharing a
// content key collapse to the first occurrence.
func (s *TimelineStore) ReplaceAll(points []record.TimelinePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceAllLocked(points)
}

func (s *TimelineStore) replaceAllLocked(points []record.TimelinePoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM timeline_points`); err != nil {
		return fmt.Errorf("clear timeline: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO timeline_points (
			content_key, provider, timestamp, session_id, model,
			prompt_tokens, completion_tokens, total_tokens,
			cache_read_tokens, cache_creation_tokens,
			request_id, message_id, source_file,
			confidence, parser_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(
			p.ContentKey(), string(p.Provider),
			p.Timestamp.UTC().Format(time.RFC3339Nano),
			p.SessionID, p.Model,
			toNull(p.PromptTokens), toNull(p.CompletionTokens), toNull(p.TotalTokens),
			toNull(p.CacheReadTokens), toNull(p.CacheCreationTokens),
			p.RequestID, p.MessageID, p.SourceFile,
			string(p.Confidence), p.ParserVersion,
		); err != nil {
			return fmt.Errorf("insert timeline point: %w", err)
		}
	}
	return tx.Commit()
}

// Update runs one atomic read-modify-write cycle: merge receives the
// stored points and returns the full set to persist. Writers across
// providers serialize here.
func (s *TimelineStore) Update(merge func(stored []record.TimelinePoint) []record.TimelinePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	merged := merge(stored)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return s.replaceAllLocked(merged)
}

// Close closes the database connection.
func (s *TimelineStore) Close() error {
	return s.db.Close()
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS quota_snapshots (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    provider       TEXT NOT NULL,
    observed_at    TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT '',
    plan           TEXT NOT NULL DEFAULT '',
    windows        TEXT NOT NULL DEFAULT '[]',
    confidence     TEXT NOT NULL,
    parser_version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_provider_at ON quota_snapshots(provider, observed_at);
`

// SnapshotStore persists quota snapshot history. Every collection
// attempt appends a row; "latest per provider" is derived at read time.
type SnapshotStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSnapshotStore opens (or creates) the snapshot database at dbPath
// and runs migrations.
func OpenSnapshotStore(dbPath string) (*SnapshotStore, error) {
	db, err := openDB(dbPath, snapshotSchema)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Append stores one snapshot observation.
func (s *SnapshotStore) Append(snap record.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	windows, err := json.Marshal(snap.Windows)
	if err != nil {
		return fmt.Errorf("encode windows: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO quota_snapshots (
			provider, observed_at, source, plan, windows, confidence, parser_version
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(snap.Provider), snap.ObservedAt.UTC().Format(time.RFC3339Nano),
		snap.Source, snap.Plan, string(windows),
		string(snap.Confidence), snap.ParserVersion,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LoadAll returns the full snapshot history ordered by observation time.
func (s *SnapshotStore) LoadAll() ([]record.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(`
		SELECT provider, observed_at, source, plan, windows, confidence, parser_version
		FROM quota_snapshots
		ORDER BY observed_at ASC, id ASC`)
}

// ReplaceAll replaces the full snapshot history.
func (s *SnapshotStore) ReplaceAll(snaps []record.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM quota_snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO quota_snapshots (
			provider, observed_at, source, plan, windows, confidence, parser_version
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		windows, err := json.Marshal(snap.Windows)
		if err != nil {
			return fmt.Errorf("encode windows: %w", err)
		}
		if _, err := stmt.Exec(
			string(snap.Provider), snap.ObservedAt.UTC().Format(time.RFC3339Nano),
			snap.Source, snap.Plan, string(windows),
			string(snap.Confidence), snap.ParserVersion,
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// LatestPerProvider returns the most recent snapshot for each provider
// that has any history.
func (s *SnapshotStore) LatestPerProvider() (map[record.Provider]record.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.queryLocked(`
		SELECT provider, observed_at, source, plan, windows, confidence, parser_version
		FROM quota_snapshots s
		WHERE id = (
			SELECT MAX(id) FROM quota_snapshots
			WHERE provider = s.provider
			AND observed_at = (SELECT MAX(observed_at) FROM quota_snapshots WHERE provider = s.provider)
		)`)
	if err != nil {
		return nil, err
	}
	latest := make(map[record.Provider]record.Snapshot, len(snaps))
	for _, snap := range snaps {
		latest[snap.Provider] = snap
	}
	return latest, nil
}

// Close closes the database connection.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) queryLocked(query string, args ...any) ([]record.Snapshot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []record.Snapshot
	for rows.Next() {
		var snap record.Snapshot
		var at, windows string
		if err := rows.Scan(
			&snap.Provider, &at, &snap.Source, &snap.Plan,
			&windows, &snap.Confidence, &snap.ParserVersion,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			snap.ObservedAt = t
		}
		if err := json.Unmarshal([]byte(windows), &snap.Windows); err != nil {
			return nil, fmt.Errorf("decode windows: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func openDB(dbPath, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers live while a collection pass writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func toNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
