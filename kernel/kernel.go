// Package kernel wires all paralyze subsystems together: the composite
// store, lease manager, claim engine, heartbeat scheduler, and worker
// runner, all sharing one owner identity.
//
// This package exists to break the import cycle: the root paralyze package
// defines the error taxonomy and fence tokens (imported by lease, task,
// etc.) and so cannot import those packages back. The kernel package sits
// above all subsystem packages and below the application layer.
package kernel

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/backoff"
	"github.com/StratusCode/paralyze/heartbeat"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/store"
	"github.com/StratusCode/paralyze/task"
	"github.com/StratusCode/paralyze/telemetry"
	"github.com/StratusCode/paralyze/worker"
)

// Kernel wraps a Coordinator with typed subsystem access. Use Build() to
// create one from a Coordinator and a composite store.
type Kernel struct {
	c         *paralyze.Coordinator
	store     store.Store
	owner     id.OwnerID
	metrics   *telemetry.Metrics
	leases    *lease.Manager
	engine    *task.Engine
	scheduler *heartbeat.Scheduler
	runner    *worker.Runner
	strategy  backoff.Strategy
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithOwner overrides the owner identity. Defaults to the process-wide
// owner ID.
func WithOwner(owner id.OwnerID) Option {
	return func(k *Kernel) { k.owner = owner }
}

// WithBackoff sets the idle backoff strategy for the worker runner. If not
// set, backoff.DefaultStrategy() (capped exponential with jitter) is used.
func WithBackoff(s backoff.Strategy) Option {
	return func(k *Kernel) { k.strategy = s }
}

// WithMetrics sets the telemetry sink shared by all subsystems.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// Build wires the subsystems onto the coordinator. The store becomes the
// coordinator's Storer; the runner and scheduler are registered for
// lifecycle management so Coordinator.Start/Stop drive everything.
func Build(c *paralyze.Coordinator, s store.Store, opts ...Option) (*Kernel, error) {
	if s == nil {
		return nil, paralyze.ErrNoStore
	}

	cfg := c.Config()
	k := &Kernel{
		c:        c,
		store:    s,
		owner:    id.ProcessOwnerID(),
		metrics:  telemetry.New(),
		strategy: backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(k)
	}

	logger := c.Logger()

	k.leases = lease.NewManager(s, k.owner,
		lease.WithLogger(logger),
		lease.WithMetrics(k.metrics),
	)
	k.engine = task.NewEngine(s, k.owner,
		task.WithLogger(logger),
		task.WithMetrics(k.metrics),
		task.WithMaxAttempts(cfg.MaxAttempts),
		task.WithClaimRounds(cfg.ClaimRounds),
		task.WithCandidateBatch(cfg.CandidateBatch),
	)

	hbOpts := []heartbeat.Option{heartbeat.WithLogger(logger)}
	if cfg.HeartbeatInterval > 0 {
		hbOpts = append(hbOpts, heartbeat.WithInterval(cfg.HeartbeatInterval))
	}
	k.scheduler = heartbeat.NewScheduler(hbOpts...)

	runnerOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMetrics(k.metrics),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithClaimTTL(cfg.ClaimTTL),
		worker.WithBackoff(k.strategy),
		worker.WithPollInterval(cfg.PollInterval),
	}
	if cfg.PollRate > 0 {
		runnerOpts = append(runnerOpts,
			worker.WithPollRate(rate.NewLimiter(rate.Limit(cfg.PollRate), cfg.Concurrency)),
		)
	}
	k.runner = worker.NewRunner(k.engine, k.scheduler, runnerOpts...)

	c.SetRunner(k.runner)
	c.SetScheduler(k.scheduler)

	return k, nil
}

// Owner returns the kernel's owner identity.
func (k *Kernel) Owner() id.OwnerID { return k.owner }

// Leases returns the lease manager.
func (k *Kernel) Leases() *lease.Manager { return k.leases }

// Tasks returns the claim engine.
func (k *Kernel) Tasks() *task.Engine { return k.engine }

// Heartbeats returns the heartbeat scheduler.
func (k *Kernel) Heartbeats() *heartbeat.Scheduler { return k.scheduler }

// Runner returns the worker runner.
func (k *Kernel) Runner() *worker.Runner { return k.runner }

// Register installs a handler for a task kind on the worker runner.
func (k *Kernel) Register(kind string, h worker.Handler) error {
	return k.runner.Register(kind, h)
}

// Enqueue persists a new unclaimed task.
func (k *Kernel) Enqueue(ctx context.Context, kind string, payload []byte) (*task.Task, error) {
	return k.engine.Enqueue(ctx, kind, payload)
}

// Hold acquires the lease for key and keeps it alive under heartbeat. The
// returned context carries the lease's fence token and is cancelled the
// moment a renewal reports the lease lost; the returned release function
// stops the heartbeat and releases the lease. Callers must gate every
// guarded side effect on the returned context.
func (k *Kernel) Hold(ctx context.Context, key string, ttl time.Duration) (context.Context, func(context.Context) error, error) {
	l, err := k.leases.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	fenced := paralyze.ContextWithFence(ctx, l.Fence)
	guarded, stop := k.scheduler.Track(fenced, "lease:"+key, ttl, k.leases.RenewFunc(l))

	release := func(releaseCtx context.Context) error {
		stop()
		return k.leases.Release(releaseCtx, l)
	}
	return guarded, release, nil
}
