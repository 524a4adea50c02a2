package paralyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// Storer is the minimal store interface held by the Coordinator. It covers
// lifecycle operations only. The full composite interface (store.Store) is
// used in subsystem layers that don't create import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// workRunner is an internal interface for worker runner lifecycle.
type workRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// renewalCloser is an internal interface for heartbeat scheduler shutdown.
type renewalCloser interface {
	Close()
}

// Coordinator is the root lifecycle handle for a coordination kernel
// instance: one durable store, one heartbeat scheduler, and one worker
// runner sharing a single owner identity.
//
// Create one with New() and functional options, then wire the subsystems
// with the kernel package. The Coordinator holds subsystem components via
// internal interfaces to avoid import cycles.
type Coordinator struct {
	config    Config
	logger    *slog.Logger
	store     Storer
	runner    workRunner
	scheduler renewalCloser

	started bool
}

// New creates a new Coordinator with the given options.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }

// Store returns the coordinator's store.
func (c *Coordinator) Store() Storer { return c.store }

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() Config { return c.config }

// SetRunner sets the worker runner (called by the kernel package).
func (c *Coordinator) SetRunner(r workRunner) { c.runner = r }

// SetScheduler sets the heartbeat scheduler (called by the kernel package).
func (c *Coordinator) SetScheduler(s renewalCloser) { c.scheduler = s }

// Start migrates the store and begins claim processing.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	if err := c.store.Migrate(ctx); err != nil {
		return fmt.Errorf("paralyze: migrate: %w", errors.Join(ErrMigrationFailed, err))
	}
	if c.runner != nil {
		if err := c.runner.Start(ctx); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the coordinator: the runner drains first so
// in-flight claims settle, then heartbeat renewals stop, then the store
// closes.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.runner != nil && c.started {
		if err := c.runner.Stop(ctx); err != nil {
			c.logger.Error("runner stop error", "error", err)
		}
	}
	if c.scheduler != nil {
		c.scheduler.Close()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.config = cfg
		return nil
	}
}

// WithConcurrency sets the number of concurrent claim processors.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithLogger sets the structured logger for the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the coordinator. The store
// must implement Storer at minimum; typically it will be a store.Store
// which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(c *Coordinator) error {
		c.store = s
		return nil
	}
}
