// Package memory provides a fully in-memory store.Store implementation.
// Safe for concurrent access. Intended for unit testing and development;
// the clock is injectable so expiry behavior is deterministic in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/clock"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ lease.Store = (*Store)(nil)
	_ task.Store  = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu  sync.Mutex
	clk clock.Clock

	leases map[string]*lease.Lease
	tasks  map[string]*task.Task
}

// Option configures the Store.
type Option func(*Store)

// WithClock injects the time source used for expiry predicates. Defaults
// to the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clk:    clock.System(),
		leases: make(map[string]*lease.Lease),
		tasks:  make(map[string]*task.Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restart returns a new Store seeded with a deep copy of this store's
// rows, simulating a process that reopened the same durable data. Fence
// counters and versions survive; nothing else is shared.
func (m *Store) Restart(opts ...Option) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := New(opts...)
	for k, l := range m.leases {
		cp := *l
		next.leases[k] = &cp
	}
	for k, t := range m.tasks {
		cp := copyTask(t)
		next.tasks[k] = cp
	}
	return next
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Lease Store
// ──────────────────────────────────────────────────

// AcquireLease atomically creates or takes over the lease for key.
func (m *Store) AcquireLease(_ context.Context, key string, owner id.OwnerID, ttl time.Duration) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()

	cur, exists := m.leases[key]
	if exists && !cur.Released && now.Before(cur.ExpiresAt) {
		if cur.OwnerID.String() != owner.String() {
			return nil, paralyze.ErrAlreadyHeld
		}
		// Same live owner: renew in place, fence unchanged.
		cur.ExpiresAt = now.Add(ttl)
		cur.Version++
		cur.UpdatedAt = now
		cp := *cur
		return &cp, nil
	}

	next := &lease.Lease{
		Key:       key,
		OwnerID:   owner,
		Fence:     1,
		ExpiresAt: now.Add(ttl),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if exists {
		// Expired or released row: the fence counter survives takeover.
		next.Fence = cur.Fence + 1
		next.Version = cur.Version + 1
		next.CreatedAt = cur.CreatedAt
	}
	m.leases[key] = next

	cp := *next
	return &cp, nil
}

// RenewLease extends the lease by ttl via CAS on (key, version).
func (m *Store) RenewLease(_ context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.leases[key]
	if !exists || cur.Released || cur.Version != version || cur.OwnerID.String() != owner.String() {
		return nil, paralyze.ErrLeaseLost
	}

	now := m.clk.Now()
	cur.ExpiresAt = now.Add(ttl)
	cur.Version++
	cur.UpdatedAt = now

	cp := *cur
	return &cp, nil
}

// ReleaseLease marks the lease released via CAS on (key, version), keeping
// the row as a tombstone so the fence counter is preserved.
func (m *Store) ReleaseLease(_ context.Context, key string, owner id.OwnerID, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.leases[key]
	if !exists || cur.Released {
		return nil // idempotent
	}
	if cur.Version != version || cur.OwnerID.String() != owner.String() {
		return paralyze.ErrLeaseLost
	}

	now := m.clk.Now()
	cur.Released = true
	cur.Version++
	cur.UpdatedAt = now
	return nil
}

// GetLease returns the current row for key, tombstones included.
func (m *Store) GetLease(_ context.Context, key string) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.leases[key]
	if !exists {
		return nil, paralyze.ErrLeaseNotFound
	}
	cp := *cur
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// CreateTask persists a new task in unclaimed state.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return paralyze.ErrTaskAlreadyExists
	}

	now := m.clk.Now()
	cp := copyTask(t)
	cp.State = task.StateUnclaimed
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.tasks[key] = cp

	t.Version = cp.Version
	t.CreatedAt = cp.CreatedAt
	t.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.tasks[taskID.String()]
	if !exists {
		return nil, paralyze.ErrTaskNotFound
	}
	return copyTask(cur), nil
}

// ClaimCandidates returns up to limit claimable tasks: expired claims
// first (oldest expiry first), then unclaimed tasks oldest-created first.
func (m *Store) ClaimCandidates(_ context.Context, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()

	var expired, unclaimed []*task.Task
	for _, t := range m.tasks {
		switch {
		case t.State == task.StateClaimed && t.ClaimExpiresAt != nil && now.After(*t.ClaimExpiresAt):
			expired = append(expired, t)
		case t.State == task.StateUnclaimed:
			unclaimed = append(unclaimed, t)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ClaimExpiresAt.Before(*expired[j].ClaimExpiresAt)
	})
	sort.Slice(unclaimed, func(i, j int) bool {
		return unclaimed[i].CreatedAt.Before(unclaimed[j].CreatedAt)
	})

	candidates := append(expired, unclaimed...)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		result[i] = copyTask(t)
	}
	return result, nil
}

// ClaimTask transitions the task to claimed via CAS on (id, version).
func (m *Store) ClaimTask(_ context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.tasks[taskID.String()]
	if !exists {
		return nil, paralyze.ErrTaskNotFound
	}

	now := m.clk.Now()
	if cur.Version != version || !cur.Claimable(now) {
		return nil, paralyze.ErrVersionConflict
	}

	expires := now.Add(ttl)
	cur.State = task.StateClaimed
	cur.OwnerID = owner
	cur.Fence++
	cur.ClaimExpiresAt = &expires
	cur.AttemptCount++
	cur.Version++
	cur.UpdatedAt = now

	return copyTask(cur), nil
}

// ExtendClaim pushes the claim deadline to now plus ttl via CAS.
func (m *Store) ExtendClaim(_ context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.heldTask(taskID, version, owner)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	expires := now.Add(ttl)
	cur.ClaimExpiresAt = &expires
	cur.Version++
	cur.UpdatedAt = now

	return copyTask(cur), nil
}

// CompleteTask transitions claimed to completed via CAS.
func (m *Store) CompleteTask(_ context.Context, taskID id.TaskID, version int64, owner id.OwnerID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.heldTask(taskID, version, owner)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	cur.State = task.StateCompleted
	cur.CompletedAt = &now
	cur.ClaimExpiresAt = nil
	cur.Version++
	cur.UpdatedAt = now

	return copyTask(cur), nil
}

// FailTask finishes an attempt via CAS: terminal moves the task to failed,
// otherwise back to unclaimed for another worker to retry.
func (m *Store) FailTask(_ context.Context, taskID id.TaskID, version int64, owner id.OwnerID, terminal bool, lastErr string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.heldTask(taskID, version, owner)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	cur.LastError = lastErr
	cur.Version++
	cur.UpdatedAt = now

	if terminal {
		cur.State = task.StateFailed
		cur.CompletedAt = &now
		cur.ClaimExpiresAt = nil
	} else {
		cur.State = task.StateUnclaimed
		cur.OwnerID = id.Nil
		cur.ClaimExpiresAt = nil
	}

	return copyTask(cur), nil
}

// heldTask validates that the row is still claimed by (owner, version).
// Callers hold m.mu.
func (m *Store) heldTask(taskID id.TaskID, version int64, owner id.OwnerID) (*task.Task, error) {
	cur, exists := m.tasks[taskID.String()]
	if !exists {
		return nil, paralyze.ErrTaskNotFound
	}
	if cur.State != task.StateClaimed || cur.Version != version || cur.OwnerID.String() != owner.String() {
		return nil, paralyze.ErrClaimLost
	}
	return cur, nil
}

func copyTask(t *task.Task) *task.Task {
	cp := *t
	if t.ClaimExpiresAt != nil {
		e := *t.ClaimExpiresAt
		cp.ClaimExpiresAt = &e
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	return &cp
}
