// Package sched implements the per-key collection scheduler: one
// retry/backoff/timeout loop per (provider, track) pair, each running
// independently so one unit backing off never delays another.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aceteam-ai/tokenwatch/internal/backoff"
	"github.com/aceteam-ai/tokenwatch/internal/clock"
	"github.com/aceteam-ai/tokenwatch/internal/record"
)

// Key identifies one scheduling unit. Stable for the process lifetime.
type Key struct {
	Provider record.Provider
	Track    record.Track
}

func (k Key) String() string {
	return string(k.Provider) + "/" + k.Track.String()
}

// Phase is the scheduling state of a unit.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSleeping   Phase = "sleeping"
	PhaseRunning    Phase = "running"
	PhaseBackingOff Phase = "backingOff"
	PhaseStopped    Phase = "stopped"
)

// Health is a snapshot of one unit's scheduling state. Zero timestamps
// mean "never".
type Health struct {
	Phase               Phase
	ConsecutiveFailures int
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           string
	// NextDue is the wakeup deadline while sleeping or backing off.
	NextDue time.Time
}

// Unit is one registered collection task. Immutable once registered.
type Unit struct {
	Key     Key
	Period  time.Duration
	Timeout time.Duration
	Backoff backoff.Policy
	// Run performs one collection attempt. It must honor ctx.
	Run func(ctx context.Context) error
}

// Orchestrator owns one scheduling loop per registered key and records
// per-unit health. Health is mutated only by each unit's own loop and
// read through copied snapshots.
type Orchestrator struct {
	clk      clock.Clock
	onChange func(Key, Health)

	mu      sync.Mutex
	units   map[Key]*unitState
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type unitState struct {
	unit    Unit
	health  Health
	running bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealthCallback registers a fire-and-forget observer invoked after
// every health transition. The callback must not block for long; its
// failures never affect scheduling.
func WithHealthCallback(fn func(Key, Health)) Option {
	return func(o *Orchestrator) { o.onChange = fn }
}

// New creates an orchestrator driven by clk.
func New(clk clock.Clock, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clk:   clk,
		units: make(map[Key]*unitState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds units to the orchestrator. Registering after Start is
// allowed; new units get a loop on the next Start call.
func (o *Orchestrator) Register(units ...Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, u := range units {
		if _, exists := o.units[u.Key]; exists {
			continue
		}
		o.units[u.Key] = &unitState{
			unit:   u,
			health: Health{Phase: PhaseIdle},
		}
	}
}

// Start spawns a loop for every registered key that does not have one
// yet. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if !o.started {
		var ctx context.Context
		ctx, o.cancel = context.WithCancel(context.Background())
		o.runCtx = ctx
		o.started = true
	}
	for key, st := range o.units {
		if st.running {
			continue
		}
		st.running = true
		o.wg.Add(1)
		go o.runLoop(o.runCtx, key, st.unit)
	}
}

// Stop cancels every loop and in-flight operation, waits for them to
// exit, and leaves every unit in the terminal stopped phase. No health
// writes happen after Stop returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		alreadyStopped := o.stopped
		o.stopped = true
		if !alreadyStopped {
			for _, st := range o.units {
				st.health.Phase = PhaseStopped
			}
		}
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	o.mu.Lock()
	for _, st := range o.units {
		st.health.Phase = PhaseStopped
		st.running = false
	}
	o.mu.Unlock()
}

// HealthSnapshot returns a copy of every unit's health.
func (o *Orchestrator) HealthSnapshot() map[Key]Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[Key]Health, len(o.units))
	for key, st := range o.units {
		out[key] = st.health
	}
	return out
}

// runLoop is the per-key state machine: sleeping(due) -> running ->
// success -> sleeping(now+period), or failure/timeout ->
// backingOff(now+delay) -> sleeping. Cancellation exits the loop
// without further health writes; Stop stamps the terminal phase after
// all loops have drained.
func (o *Orchestrator) runLoop(ctx context.Context, key Key, unit Unit) {
	defer o.wg.Done()

	due := o.clk.Now()
	for {
		o.updateHealth(key, func(h *Health) {
			h.Phase = PhaseSleeping
			h.NextDue = due
		})
		if err := o.clk.SleepUntil(ctx, due); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		now := o.clk.Now()
		o.updateHealth(key, func(h *Health) {
			h.Phase = PhaseRunning
			h.LastAttempt = now
			h.LastError = ""
		})

		outcome, opErr := o.runAttempt(ctx, unit, now)
		if ctx.Err() != nil {
			return
		}

		switch outcome {
		case outcomeSuccess:
			due = now.Add(unit.Period)
			o.updateHealth(key, func(h *Health) {
				h.ConsecutiveFailures = 0
				h.LastSuccess = now
			})
		case outcomeTimeout, outcomeFailure:
			var failures int
			o.updateHealth(key, func(h *Health) {
				h.ConsecutiveFailures++
				failures = h.ConsecutiveFailures
				h.LastError = describeFailure(outcome, opErr)
			})
			delay := unit.Backoff.Delay(failures)
			due = now.Add(delay)
			o.updateHealth(key, func(h *Health) {
				h.Phase = PhaseBackingOff
				h.NextDue = due
			})
		}
	}
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeFailure
	outcomeTimeout
)

// runAttempt races the unit's operation against an independent timeout
// timer on the same clock. Whichever completes first wins and the loser
// is cancelled; neither can outlive the attempt.
func (o *Orchestrator) runAttempt(ctx context.Context, unit Unit, started time.Time) (attemptOutcome, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- unit.Run(opCtx)
	}()

	timedOut := make(chan struct{}, 1)
	if unit.Timeout > 0 {
		go func() {
			if err := o.clk.SleepUntil(opCtx, started.Add(unit.Timeout)); err == nil {
				timedOut <- struct{}{}
			}
		}()
	}

	select {
	case err := <-done:
		return classify(err)
	case <-timedOut:
		// The operation may have finished in the same instant the
		// timer fired; completion wins the race.
		select {
		case err := <-done:
			return classify(err)
		default:
		}
		cancel()
		// Drain so the operation goroutine never blocks on send.
		go func() { <-done }()
		return outcomeTimeout, context.DeadlineExceeded
	case <-ctx.Done():
		cancel()
		go func() { <-done }()
		return outcomeFailure, ctx.Err()
	}
}

func classify(err error) (attemptOutcome, error) {
	if err == nil {
		return outcomeSuccess, nil
	}
	return outcomeFailure, err
}

func describeFailure(outcome attemptOutcome, err error) string {
	if outcome == outcomeTimeout {
		return "timeout"
	}
	if err == nil {
		return "failure"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

// updateHealth applies fn under the health lock and notifies the
// observer with the resulting snapshot outside the lock.
func (o *Orchestrator) updateHealth(key Key, fn func(*Health)) {
	o.mu.Lock()
	st, ok := o.units[key]
	if !ok || o.stopped {
		o.mu.Unlock()
		return
	}
	fn(&st.health)
	snapshot := st.health
	cb := o.onChange
	o.mu.Unlock()

	if cb != nil {
		cb(key, snapshot)
	}
}
