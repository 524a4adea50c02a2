// Package heartbeat keeps held leases and claims alive by renewing them in
// the background at an interval strictly shorter than their TTL. A failed
// renewal is terminal for the tracked instance: the scheduler cancels the
// owning work's context and never retries, since retrying a lost lease
// would violate the single-owner invariant. A fresh acquisition produces a
// fresh tracked entry with a new fence token.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/StratusCode/paralyze"
)

// RenewFunc performs one renewal round trip. It must return
// paralyze.ErrLeaseLost or paralyze.ErrClaimLost when ownership is gone;
// any other error is treated as an ambiguous outcome and also ends the
// tracking (assume lost).
type RenewFunc func(ctx context.Context) error

// Scheduler runs one renewal goroutine per tracked lease or claim.
// Safe for concurrent use.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration // 0 means ttl/3 per entry

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	stopAll chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInterval overrides the renewal interval for all tracked entries.
// It is clamped per entry so it never exceeds a third of the entry's TTL.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default(),
		stopAll: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track starts renewing one held lease or claim. The returned context is
// derived from ctx and is cancelled, with the loss error as cause, the
// moment a renewal reports the holding gone, so the unit of work relying
// on the ownership observes cancellation and stops its guarded side
// effects. The returned stop function ends tracking without renewing or
// cancelling; it is idempotent and safe to call concurrently with an
// in-flight renewal.
//
// name is used for logging only; ttl decides the renewal cadence
// (interval ≤ ttl/3).
func (s *Scheduler) Track(ctx context.Context, name string, ttl time.Duration, renew RenewFunc) (context.Context, func()) {
	tracked, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(paralyze.ErrStoreClosed)
		return tracked, func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	go s.run(tracked, cancel, name, s.cadence(ttl), renew, stopCh)

	return tracked, stop
}

// cadence picks the renewal interval for an entry.
func (s *Scheduler) cadence(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if s.interval > 0 && s.interval < interval {
		interval = s.interval
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func (s *Scheduler) run(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	name string,
	interval time.Duration,
	renew RenewFunc,
	stopCh chan struct{},
) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-s.stopAll:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := renew(ctx)
		if err == nil {
			continue
		}

		// Lost, or ambiguous and therefore assumed lost. Terminal.
		s.logger.Warn("heartbeat: holding lost, cancelling work",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		cancel(err)
		return
	}
}

// Close stops every renewal goroutine and waits for them to exit. Tracked
// contexts are not cancelled: shutdown is the caller's explicit release
// path, not a loss.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopAll)
	s.mu.Unlock()

	s.wg.Wait()
}
