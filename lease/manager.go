package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/telemetry"
)

// Manager acquires, renews, and releases leases on behalf of one owner.
// It keeps an in-memory registry of the leases it believes it holds; the
// registry is a cache only, and every mutation re-validates against the
// store via CAS. Safe for concurrent use.
type Manager struct {
	store   Store
	owner   id.OwnerID
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu   sync.Mutex
	held map[string]*holding
}

// holding tracks one lease instance. Its mutex serializes the owner's own
// renewal loop against its release call, so a renew and a release can
// never race for the same instance.
type holding struct {
	mu    sync.Mutex
	lease *Lease
	lost  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager for the given owner identity. The owner ID
// must stay unique for the lifetime of any lease the manager holds.
func NewManager(store Store, owner id.OwnerID, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		owner:  owner,
		logger: slog.Default(),
		held:   make(map[string]*holding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the manager's owner identity.
func (m *Manager) Owner() id.OwnerID { return m.owner }

// Acquire attempts a single atomic acquisition of the lease for key.
// It does not retry: paralyze.ErrAlreadyHeld is returned as-is and the
// retry policy is the caller's responsibility.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("paralyze/lease: acquire: empty resource key")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("paralyze/lease: acquire %q: ttl must be positive, got %v", key, ttl)
	}

	l, err := m.store.AcquireLease(ctx, key, m.owner, ttl)
	if err != nil {
		if errors.Is(err, paralyze.ErrAlreadyHeld) {
			m.metrics.Acquisition(ctx, "held")
			m.logger.Debug("lease contended",
				slog.String("resource", key),
				slog.String("owner", m.owner.String()),
			)
			return nil, err
		}
		m.metrics.Acquisition(ctx, "error")
		return nil, err
	}
	l.TTL = ttl

	m.mu.Lock()
	m.held[key] = &holding{lease: l}
	m.mu.Unlock()

	m.metrics.Acquisition(ctx, "ok")
	m.logger.Info("lease acquired",
		slog.String("resource", key),
		slog.String("owner", m.owner.String()),
		slog.Int64("fence", int64(l.Fence)),
		slog.Time("expires_at", l.ExpiresAt),
	)
	return l, nil
}

// Renew extends the lease by its original TTL via CAS on the row version.
// On paralyze.ErrLeaseLost the caller must immediately stop treating the
// resource as owned. Any other store failure is an ambiguous outcome and
// is also treated as loss: the manager drops the lease from its registry
// rather than assume the CAS succeeded.
func (m *Manager) Renew(ctx context.Context, l *Lease) (*Lease, error) {
	h := m.lookup(l.Key)
	if h == nil {
		return nil, paralyze.ErrLeaseLost
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lost || h.lease.Version != l.Version {
		return nil, paralyze.ErrLeaseLost
	}

	start := time.Now()
	renewed, err := m.store.RenewLease(ctx, l.Key, m.owner, l.Version, l.TTL)
	elapsed := time.Since(start)

	if err != nil {
		m.forget(l.Key, h)
		if errors.Is(err, paralyze.ErrLeaseLost) {
			m.metrics.Renewal(ctx, "lease", "lost", elapsed)
			m.logger.Warn("lease lost",
				slog.String("resource", l.Key),
				slog.String("owner", m.owner.String()),
				slog.Int64("fence", int64(l.Fence)),
			)
			return nil, err
		}
		// Ambiguous outcome: assume lost to preserve the single-owner
		// invariant.
		m.metrics.Renewal(ctx, "lease", "error", elapsed)
		m.logger.Warn("lease renewal failed, assuming lost",
			slog.String("resource", l.Key),
			slog.String("owner", m.owner.String()),
			slog.Int64("fence", int64(l.Fence)),
			slog.String("error", err.Error()),
		)
		return nil, errors.Join(paralyze.ErrLeaseLost, err)
	}

	renewed.TTL = l.TTL
	h.lease = renewed

	m.metrics.Renewal(ctx, "lease", "ok", elapsed)
	m.logger.Debug("lease renewed",
		slog.String("resource", l.Key),
		slog.String("owner", m.owner.String()),
		slog.Int64("fence", int64(renewed.Fence)),
		slog.Time("expires_at", renewed.ExpiresAt),
	)
	return renewed, nil
}

// Release gives up the lease via CAS on the row version. Releasing a lease
// that is already gone succeeds, tolerating duplicate release calls during
// shutdown races.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	h := m.lookup(l.Key)
	if h == nil {
		// Nothing tracked: already released or lost. Idempotent success.
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lost {
		return nil
	}

	err := m.store.ReleaseLease(ctx, l.Key, m.owner, h.lease.Version)
	m.forget(l.Key, h)

	if err != nil {
		if errors.Is(err, paralyze.ErrLeaseLost) {
			m.logger.Warn("lease release raced a takeover",
				slog.String("resource", l.Key),
				slog.String("owner", m.owner.String()),
				slog.Int64("fence", int64(l.Fence)),
			)
			return err
		}
		return err
	}

	m.logger.Info("lease released",
		slog.String("resource", l.Key),
		slog.String("owner", m.owner.String()),
		slog.Int64("fence", int64(l.Fence)),
	)
	return nil
}

// RenewFunc returns a closure suitable for heartbeat tracking: each call
// renews the lease at its latest known version.
func (m *Manager) RenewFunc(l *Lease) func(context.Context) error {
	key := l.Key
	return func(ctx context.Context) error {
		h := m.lookup(key)
		if h == nil {
			return paralyze.ErrLeaseLost
		}
		h.mu.Lock()
		cur := h.lease
		h.mu.Unlock()
		_, err := m.Renew(ctx, cur)
		return err
	}
}

// Held returns a snapshot of the lease the manager believes it holds for
// key, or nil. The store remains authoritative.
func (m *Manager) Held(key string) *Lease {
	h := m.lookup(key)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost {
		return nil
	}
	cp := *h.lease
	return &cp
}

func (m *Manager) lookup(key string) *holding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}

// forget drops the holding from the registry. Callers hold h.mu.
func (m *Manager) forget(key string, h *holding) {
	h.lost = true
	m.mu.Lock()
	if m.held[key] == h {
		delete(m.held, key)
	}
	m.mu.Unlock()
}
