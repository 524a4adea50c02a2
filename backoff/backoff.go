// Package backoff provides pluggable retry delay strategies shared by
// lease acquisition retries and task re-claim delays. All strategies are
// safe for concurrent use unless noted otherwise.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Jittered (multiplicative jitter)
// ──────────────────────────────────────────────────

// Jittered applies multiplicative jitter to an exponential base:
// Delay = min(Base * 2^(attempt-1), Max) * U[1-Fraction, 1+Fraction].
// Unlike full jitter it never collapses to zero, so the expected delay
// stays monotone in the attempt number while still spreading competing
// retriers apart.
//
// A Jittered with an injected source (WithRand) is NOT safe for concurrent
// use; share one only through external synchronization. The default source
// is the process-global one and is safe.
type Jittered struct {
	Base     time.Duration
	Max      time.Duration
	Fraction float64

	rnd *rand.Rand
}

// JitteredOption configures a Jittered strategy.
type JitteredOption func(*Jittered)

// WithRand injects a seeded random source for reproducible delays in tests.
func WithRand(rnd *rand.Rand) JitteredOption {
	return func(j *Jittered) { j.rnd = rnd }
}

// NewJittered creates a jittered exponential backoff. Fraction is clamped
// to [0, 1]; 0 disables jitter entirely.
func NewJittered(base, maxDelay time.Duration, fraction float64, opts ...JitteredOption) *Jittered {
	j := &Jittered{
		Base:     base,
		Max:      maxDelay,
		Fraction: math.Min(math.Max(fraction, 0), 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Delay returns the jittered delay for the given attempt. It is never
// negative and never exceeds Max * (1 + Fraction).
func (j *Jittered) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(j.Base) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && base > float64(j.Max) {
		base = float64(j.Max)
	}

	var u float64
	if j.rnd != nil {
		u = j.rnd.Float64()
	} else {
		u = rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
	}

	factor := 1 - j.Fraction + 2*j.Fraction*u
	d := time.Duration(base * factor)
	if d < 0 {
		return 0
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by acquisition retries
// and claim polling: Jittered with 100ms base, 30s max, 0.5 fraction.
func DefaultStrategy() Strategy {
	return NewJittered(100*time.Millisecond, 30*time.Second, 0.5)
}
