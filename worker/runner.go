package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/backoff"
	"github.com/StratusCode/paralyze/heartbeat"
	"github.com/StratusCode/paralyze/task"
	"github.com/StratusCode/paralyze/telemetry"
)

// Runner manages a set of concurrent worker goroutines that claim tasks
// and execute them through registered handlers.
type Runner struct {
	engine    *task.Engine
	scheduler *heartbeat.Scheduler
	mux       *mux
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	concurrency  int
	claimTTL     time.Duration
	strategy     backoff.Strategy
	pollInterval time.Duration
	limiter      *rate.Limiter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool

	activeClaims map[string]context.CancelFunc
	activeMu     sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithClaimTTL sets the claim deadline requested per attempt.
func WithClaimTTL(d time.Duration) Option {
	return func(r *Runner) { r.claimTTL = d }
}

// WithBackoff sets the idle backoff used when no work is available.
func WithBackoff(s backoff.Strategy) Option {
	return func(r *Runner) { r.strategy = s }
}

// WithPollInterval sets the minimum wait after a round that found no work.
// The backoff strategy stretches the wait under sustained idleness but
// never undercuts this floor.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPollRate caps the aggregate candidate-poll rate across all worker
// goroutines, so an idle fleet doesn't hammer the store.
func WithPollRate(l *rate.Limiter) Option {
	return func(r *Runner) { r.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a worker runner on top of a claim engine and a
// heartbeat scheduler.
func NewRunner(engine *task.Engine, scheduler *heartbeat.Scheduler, opts ...Option) *Runner {
	r := &Runner{
		engine:       engine,
		scheduler:    scheduler,
		mux:          newMux(),
		logger:       slog.Default(),
		concurrency:  4,
		claimTTL:     30 * time.Second,
		strategy:     backoff.DefaultStrategy(),
		limiter:      rate.NewLimiter(rate.Limit(10), 1),
		stopCh:       make(chan struct{}),
		activeClaims: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a handler for a task kind. Must be called before
// Start; duplicate kinds are rejected.
func (r *Runner) Register(kind string, h Handler) error {
	return r.mux.register(kind, h)
}

// Start launches the worker goroutines. It returns immediately. A Runner
// is single-lifecycle: starting again after Stop is an error.
func (r *Runner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if r.stopped {
		return errors.New("paralyze/worker: runner already stopped")
	}
	r.running = true

	r.logger.Info("worker runner starting",
		slog.String("owner", r.engine.Owner().String()),
		slog.Int("concurrency", r.concurrency),
		slog.Duration("claim_ttl", r.claimTTL),
	)

	for range r.concurrency {
		r.wg.Add(1)
		go r.claimLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, in-flight handlers are cancelled when time runs
// out.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopped = true
	r.mu.Unlock()

	r.logger.Info("worker runner stopping",
		slog.String("owner", r.engine.Owner().String()),
	)

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("worker runner stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("worker runner shutdown timed out, cancelling active claims")
		r.cancelActiveClaims()
		r.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine. Idle periods back off with
// jitter so a fleet of workers doesn't poll the store in lockstep.
func (r *Runner) claimLoop() {
	defer r.wg.Done()

	idleRounds := 0
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if err := r.waitPoll(); err != nil {
			return
		}

		claim, err := r.engine.ClaimNext(context.Background(), r.claimTTL)
		if err != nil {
			if !errors.Is(err, paralyze.ErrNoWorkAvailable) {
				r.logger.Error("claim error", slog.String("error", err.Error()))
			}
			idleRounds++
			r.sleep(r.idleDelay(idleRounds))
			continue
		}

		idleRounds = 0
		r.execute(claim)
	}
}

// waitPoll blocks on the shared poll limiter until a token is available or
// shutdown begins.
func (r *Runner) waitPoll() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return r.limiter.Wait(ctx)
}

// execute runs one claimed task under a heartbeat-tracked, fence-carrying
// context and settles the outcome.
func (r *Runner) execute(c *task.Claim) {
	base := paralyze.ContextWithFence(context.Background(), c.Fence)
	ctx, stop := r.scheduler.Track(base, "task:"+c.TaskID.String(), c.TTL, r.engine.RenewFunc(c))

	cancelCtx, cancel := context.WithCancel(ctx)
	r.trackClaim(c.TaskID.String(), cancel)

	handlerErr := r.dispatch(cancelCtx, c)

	r.untrackClaim(c.TaskID.String())
	cancel()
	stop()

	r.settle(ctx, c, handlerErr)
}

// dispatch routes the claim to its kind's handler.
func (r *Runner) dispatch(ctx context.Context, c *task.Claim) error {
	h, ok := r.mux.lookup(c.Kind)
	if !ok {
		return Permanent(fmt.Errorf("paralyze/worker: no handler for kind %q", c.Kind))
	}
	return h(ctx, c)
}

// settle completes or fails the claim based on the handler outcome. A
// claim lost mid-execution means the result must be discarded; the store
// already reassigned or requeued the task.
func (r *Runner) settle(trackedCtx context.Context, c *task.Claim, handlerErr error) {
	if cause := context.Cause(trackedCtx); cause != nil && paralyze.IsLost(cause) {
		r.logger.Warn("claim lost during execution, discarding result",
			slog.String("task_id", c.TaskID.String()),
			slog.Int64("fence", int64(c.Fence)),
			slog.String("cause", cause.Error()),
		)
		return
	}

	settleCtx := context.Background()
	if handlerErr == nil {
		if err := r.engine.Complete(settleCtx, c); err != nil && !errors.Is(err, paralyze.ErrClaimLost) {
			r.logger.Error("complete failed",
				slog.String("task_id", c.TaskID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	err := r.engine.Fail(settleCtx, c, IsPermanent(handlerErr), handlerErr)
	switch {
	case err == nil, errors.Is(err, paralyze.ErrClaimLost):
	case errors.Is(err, paralyze.ErrMaxAttemptsExceeded):
		r.logger.Warn("task exhausted its attempts",
			slog.String("task_id", c.TaskID.String()),
			slog.Int("attempt", c.AttemptCount),
		)
	default:
		r.logger.Error("fail failed",
			slog.String("task_id", c.TaskID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// idleDelay picks the wait after an idle round: the backoff strategy's
// delay, floored at the configured poll interval. The chosen delay is
// recorded so operators can watch contention stretch the polling.
func (r *Runner) idleDelay(rounds int) time.Duration {
	d := r.strategy.Delay(rounds)
	if d < r.pollInterval {
		d = r.pollInterval
	}
	r.metrics.BackoffDelay(context.Background(), d)
	return d
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.stopCh:
	}
}

func (r *Runner) trackClaim(taskID string, cancel context.CancelFunc) {
	r.activeMu.Lock()
	r.activeClaims[taskID] = cancel
	r.activeMu.Unlock()
}

func (r *Runner) untrackClaim(taskID string) {
	r.activeMu.Lock()
	delete(r.activeClaims, taskID)
	r.activeMu.Unlock()
}

func (r *Runner) cancelActiveClaims() {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	for taskID, cancel := range r.activeClaims {
		r.logger.Warn("cancelling active claim", slog.String("task_id", taskID))
		cancel()
	}
}
