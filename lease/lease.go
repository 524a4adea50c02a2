// Package lease implements time-bounded exclusive ownership of named
// resources over a durable backing store. At most one live lease exists
// per resource key; every successful acquisition carries a strictly
// increasing fence token.
package lease

import (
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
)

// Lease represents exclusive, time-bounded ownership of a named resource.
// Instances returned by Manager are snapshots; the backing store owns the
// persisted state and every mutation re-validates against it.
type Lease struct {
	// Key is the resource name. Unique per live lease.
	Key string `json:"key"`

	// OwnerID identifies the worker process holding the lease.
	OwnerID id.OwnerID `json:"owner_id"`

	// Fence is the strictly increasing token allocated at acquisition.
	// It never repeats for a given key, even across release/re-acquire
	// cycles and store restarts.
	Fence paralyze.FenceToken `json:"fence_token"`

	// ExpiresAt is the absolute deadline after which the lease is dead
	// and the key reclaimable. Assigned from the store's clock.
	ExpiresAt time.Time `json:"expires_at"`

	// TTL is the duration requested at acquisition; renewals extend the
	// lease by the same amount.
	TTL time.Duration `json:"ttl"`

	// Version is the row version for optimistic concurrency. Every
	// successful mutation bumps it.
	Version int64 `json:"version"`

	// Released marks a tombstone row kept so the fence counter survives
	// release/re-acquire cycles. Never set on leases returned to callers.
	Released bool `json:"released,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Live reports whether the lease is unexpired at the given instant.
// This is a local convenience; the store's CAS predicate is authoritative.
func (l *Lease) Live(now time.Time) bool {
	return !l.Released && now.Before(l.ExpiresAt)
}
