// Package collect implements the per-provider collection runtime: one
// pass gathers raw bytes from the provider's sources, parses and
// deduplicates them, merges the result into the persisted store and
// signals observers. All tracking state (file cursors, cumulative
// totals, the shared-database row cursor) lives on the runtime and is
// touched by at most one pass at a time per track.
package collect

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aceteam-ai/tokenwatch/internal/backoff"
	"github.com/aceteam-ai/tokenwatch/internal/dedup"
	"github.com/aceteam-ai/tokenwatch/internal/opencode"
	"github.com/aceteam-ai/tokenwatch/internal/parse"
	"github.com/aceteam-ai/tokenwatch/internal/provider"
	"github.com/aceteam-ai/tokenwatch/internal/record"
	"github.com/aceteam-ai/tokenwatch/internal/sched"
	"github.com/aceteam-ai/tokenwatch/internal/settings"
	"github.com/aceteam-ai/tokenwatch/internal/tail"
)

// LogFn receives runtime diagnostics. level is "info", "warn" or
// "error".
type LogFn func(level, msg string)

// TimelineSink is the timeline store surface the runtime writes
// through.
type TimelineSink interface {
	Update(merge func(stored []record.TimelinePoint) []record.TimelinePoint) error
}

// SnapshotSink is the quota store surface.
type SnapshotSink interface {
	Append(snap record.Snapshot) error
}

// QuotaFetcher performs one Track1 gathering attempt.
type QuotaFetcher interface {
	Fetch(ctx context.Context) (record.Snapshot, error)
}

// MessageSource reads rows past a cursor from the shared message
// database.
type MessageSource interface {
	ReadSince(lastRowID int64, limit int) ([]opencode.Row, int64, error)
}

// Runtime drives collection for one provider.
type Runtime struct {
	provider record.Provider
	source   provider.LogSource

	timeline  TimelineSink
	snapshots SnapshotSink
	quota     QuotaFetcher
	// messages is optional; nil when the shared database is not
	// configured for this provider.
	messages MessageSource

	log      LogFn
	onUpdate func(record.Provider, record.Track)

	tracker    *tail.Tracker
	cumulative *parse.CumulativeState
	msgCursor  int64
	// pending holds points parsed by passes whose store merge failed.
	// Cursors and cumulative baselines advance at parse time, so these
	// points are the only remaining copy of those bytes; they are merged
	// again on the next pass before anything new.
	pending []record.TimelinePoint
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithQuota attaches the Track1 snapshot adapter.
func WithQuota(q QuotaFetcher, sink SnapshotSink) Option {
	return func(r *Runtime) {
		r.quota = q
		r.snapshots = sink
	}
}

// WithMessages attaches the shared message-database source.
func WithMessages(m MessageSource) Option {
	return func(r *Runtime) { r.messages = m }
}

// WithLogger attaches a diagnostics callback.
func WithLogger(fn LogFn) Option {
	return func(r *Runtime) { r.log = fn }
}

// WithUpdateSignal attaches the store-updated notification. Delivery is
// fire-and-forget; the callback must not block.
func WithUpdateSignal(fn func(record.Provider, record.Track)) Option {
	return func(r *Runtime) { r.onUpdate = fn }
}

// New returns a runtime for one provider writing timeline points to
// sink.
func New(src provider.LogSource, sink TimelineSink, opts ...Option) *Runtime {
	r := &Runtime{
		provider:   src.Provider,
		source:     src,
		timeline:   sink,
		tracker:    tail.NewTracker(),
		cumulative: parse.NewCumulativeState(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CollectTimeline runs one Track2 pass: tail the log files, drain the
// shared message table, dedup and merge into the store.
func (r *Runtime) CollectTimeline(ctx context.Context) error {
	attempt := uuid.NewString()[:8]

	collected := append([]record.TimelinePoint(nil), r.pending...)

	files := tail.FindFiles(r.source.Roots, r.source.Exts)
	r.tracker.Retain(files)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := r.tracker.Advance(path)
		if err != nil {
			r.logf("warn", "attempt %s: tail %s: %v", attempt, path, err)
			continue
		}
		if !seg.New {
			continue
		}
		points := parse.ParseSegment(
			r.provider, path,
			parse.SplitLines(seg.Context), parse.SplitLines(seg.Data),
			r.cumulative,
		)
		collected = append(collected, points...)
	}

	// A message-table failure must not drop the file-derived points of
	// this pass; merge what was gathered, then report the failure. The
	// cursor stays put, so the rows are re-read next pass.
	var msgErr error
	if r.messages != nil {
		points, cursor, err := r.drainMessages()
		if err != nil {
			msgErr = fmt.Errorf("shared message table: %w", err)
		} else {
			collected = append(collected, points...)
			if cursor > r.msgCursor {
				r.msgCursor = cursor
			}
		}
	}

	collected = dedup.Collapse(collected, nil)
	if len(collected) == 0 {
		if msgErr != nil {
			return msgErr
		}
		r.logf("info", "attempt %s: %s timeline pass, nothing new", attempt, r.provider)
		return nil
	}

	added := 0
	err := r.timeline.Update(func(stored []record.TimelinePoint) []record.TimelinePoint {
		seen := make(map[string]bool, len(stored))
		for _, p := range stored {
			seen[p.ContentKey()] = true
		}
		fresh := dedup.DedupByContent(collected, seen)
		added = len(fresh)
		return append(stored, fresh...)
	})
	if err != nil {
		r.pending = collected
		return fmt.Errorf("merge timeline: %w", err)
	}
	r.pending = nil

	r.logf("info", "attempt %s: %s timeline pass, %d new points", attempt, r.provider, added)
	if added > 0 {
		r.signal(record.TrackTimeline)
	}
	return msgErr
}

func (r *Runtime) drainMessages() ([]record.TimelinePoint, int64, error) {
	rows, cursor, err := r.messages.ReadSince(r.msgCursor, 0)
	if err != nil {
		return nil, r.msgCursor, err
	}
	var points []record.TimelinePoint
	for _, row := range rows {
		if point, ok := opencode.ParseRow(r.provider, row); ok {
			points = append(points, point)
		}
	}
	return points, cursor, nil
}

// CollectQuota runs one Track1 pass.
func (r *Runtime) CollectQuota(ctx context.Context) error {
	if r.quota == nil || r.snapshots == nil {
		return fmt.Errorf("no quota adapter for %s", r.provider)
	}
	attempt := uuid.NewString()[:8]

	snap, err := r.quota.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := r.snapshots.Append(snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	r.logf("info", "attempt %s: %s quota snapshot, %d windows", attempt, r.provider, len(snap.Windows))
	r.signal(record.TrackQuota)
	return nil
}

// Units builds the scheduler units for this runtime from resolved
// settings. Disabled tracks yield no unit.
func (r *Runtime) Units(quota, timeline settings.Resolved) []sched.Unit {
	var units []sched.Unit
	if quota.Enabled && r.quota != nil {
		units = append(units, sched.Unit{
			Key:     sched.Key{Provider: r.provider, Track: record.TrackQuota},
			Period:  quota.Period,
			Timeout: quota.Timeout,
			Backoff: backoff.DefaultPolicy(),
			Run:     r.CollectQuota,
		})
	}
	if timeline.Enabled {
		units = append(units, sched.Unit{
			Key:     sched.Key{Provider: r.provider, Track: record.TrackTimeline},
			Period:  timeline.Period,
			Timeout: timeline.Timeout,
			Backoff: backoff.DefaultPolicy(),
			Run:     r.CollectTimeline,
		})
	}
	return units
}

func (r *Runtime) signal(track record.Track) {
	if r.onUpdate == nil {
		return
	}
	r.onUpdate(r.provider, track)
}

func (r *Runtime) logf(level, format string, args ...any) {
	if r.log == nil {
		return
	}
	r.log(level, fmt.Sprintf(format, args...))
}
