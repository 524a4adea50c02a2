package lease

import (
	"context"
	"time"

	"github.com/StratusCode/paralyze/id"
)

// Store defines the persistence contract for leases. All operations are
// single-row compare-and-swap; expiry predicates are evaluated with the
// store's own clock, never the caller's.
type Store interface {
	// AcquireLease atomically creates or takes over the lease for key.
	// It succeeds when no row exists, the row is released, or the row has
	// expired by the store's clock; the new lease gets the row's previous
	// fence token plus one (starting at 1). A live lease held by another
	// owner fails with paralyze.ErrAlreadyHeld. A live lease held by the
	// same owner is renewed in place.
	AcquireLease(ctx context.Context, key string, owner id.OwnerID, ttl time.Duration) (*Lease, error)

	// RenewLease extends the lease by ttl via CAS on (key, version).
	// Fails with paralyze.ErrLeaseLost when the version no longer matches
	// or the row is gone.
	RenewLease(ctx context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*Lease, error)

	// ReleaseLease marks the lease released via CAS on (key, version).
	// The row is kept as a tombstone preserving the fence counter.
	// Releasing an absent or already-released lease succeeds; a live row
	// with a different version fails with paralyze.ErrLeaseLost.
	ReleaseLease(ctx context.Context, key string, owner id.OwnerID, version int64) error

	// GetLease returns the current row for key, released tombstones
	// included, or paralyze.ErrLeaseNotFound. Diagnostic use only; never
	// part of an ownership decision.
	GetLease(ctx context.Context, key string) (*Lease, error)
}
