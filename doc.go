// Package paralyze provides lease-based coordination primitives for
// independent worker processes sharing a durable backing store. It offers
// time-bounded exclusive leases with fencing tokens, crash-safe work
// claiming, and background heartbeat renewal, all without a dedicated
// coordinator process.
//
// Paralyze is designed as a library, not a service. Import it, configure a
// store backend, and acquire leases or claim tasks from ordinary Go code.
//
// # Quick Start
//
//	st := memory.New()
//	mgr := lease.NewManager(st, id.ProcessOwnerID())
//	l, err := mgr.Acquire(ctx, "job-42", 30*time.Second)
//
// # Architecture
//
// Every ownership transition is a single-row compare-and-swap against the
// backing store; the store is the sole arbiter of conflicts. Expiry
// comparisons happen inside the store's CAS predicate using the store's
// own clock, so skewed worker clocks cannot produce two live owners.
// Successful acquisitions carry a strictly increasing fence token that
// downstream systems use to reject stale writes.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package paralyze
