package clock

import (
	"context"
	"testing"
	"time"
)

func TestManualSleepUntilPastDeadline(t *testing.T) {
	clk := NewManual(time.Unix(100, 0))

	if err := clk.SleepUntil(context.Background(), time.Unix(100, 0)); err != nil {
		t.Fatalf("SleepUntil at now: %v", err)
	}
	if err := clk.SleepUntil(context.Background(), time.Unix(50, 0)); err != nil {
		t.Fatalf("SleepUntil in the past: %v", err)
	}
}

func TestManualAdvanceWakesDueSleepers(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))

	done := make(chan error, 1)
	go func() {
		done <- clk.SleepUntil(context.Background(), time.Unix(0, 10))
	}()

	waitForSleepers(t, clk, 1)

	clk.Advance(5 * time.Nanosecond)
	select {
	case <-done:
		t.Fatal("sleeper woke before deadline")
	case <-time.After(10 * time.Millisecond):
	}

	clk.Advance(5 * time.Nanosecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SleepUntil: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke after deadline")
	}
	if got := clk.Sleepers(); got != 0 {
		t.Fatalf("Sleepers = %d, want 0", got)
	}
}

func TestManualSleepUntilCancelled(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- clk.SleepUntil(ctx, time.Unix(0, 100))
	}()

	waitForSleepers(t, clk, 1)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("SleepUntil after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled sleeper never returned")
	}
	if got := clk.Sleepers(); got != 0 {
		t.Fatalf("Sleepers = %d after cancel, want 0", got)
	}
}

func TestRealSleepUntil(t *testing.T) {
	clk := NewReal()

	if err := clk.SleepUntil(context.Background(), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SleepUntil in the past: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clk.SleepUntil(ctx, time.Now().Add(time.Hour)); err != context.Canceled {
		t.Fatalf("SleepUntil cancelled = %v, want context.Canceled", err)
	}
}

func waitForSleepers(t *testing.T, clk *Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Sleepers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sleepers", n)
		}
		time.Sleep(time.Millisecond)
	}
}
