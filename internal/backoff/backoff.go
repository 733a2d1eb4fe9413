// Package backoff implements the capped exponential delay applied
// after consecutive failures of a scheduled collection unit.
package backoff

import "time"

// Policy maps a consecutive-failure count to a retry delay.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps the delay regardless of failure count.
	Max time.Duration
}

// DefaultPolicy matches the collection scheduler defaults.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, Max: 10 * time.Minute}
}

// Delay returns the delay before the next attempt after failures
// consecutive failures. Zero failures yields zero delay. The doubling
// saturates: a shift that would overflow clamps to Max, never wraps.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	shift := uint(failures - 1)
	if shift > 30 {
		shift = 30
	}
	// Base<<shift overflows exactly when Base exceeds Max>>shift,
	// and Max>>shift itself cannot overflow.
	if p.Base > p.Max>>shift {
		return p.Max
	}
	d := p.Base << shift
	if d > p.Max {
		return p.Max
	}
	return d
}
