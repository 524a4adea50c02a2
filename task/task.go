// Package task implements crash-safe work claiming. A task is a unit of
// work bound to an owner for the duration of processing; an expired claim
// becomes reclaimable by any other worker, with the attempt count
// incremented and a fresh fence token issued.
package task

import (
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StateUnclaimed means the task is waiting to be claimed by a worker.
	StateUnclaimed State = "unclaimed"
	// StateClaimed means a worker owns the task until the claim expires.
	StateClaimed State = "claimed"
	// StateCompleted means the task finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the task failed permanently. Terminal.
	StateFailed State = "failed"
)

// Task represents a unit of work shared through the backing store.
// The store exclusively owns persisted state; instances held by workers
// are snapshots re-validated via CAS before any trusted use.
type Task struct {
	ID id.TaskID `json:"id"`

	// Kind names the handler that processes this task.
	Kind string `json:"kind"`

	// Payload is opaque to the kernel; producers and handlers agree on
	// its encoding.
	Payload []byte `json:"payload"`

	State State `json:"state"`

	// OwnerID is the claiming worker. Set only while State is claimed.
	OwnerID id.OwnerID `json:"owner_id,omitempty"`

	// Fence is the claim fence token, strictly increasing per task across
	// every claim of that task.
	Fence paralyze.FenceToken `json:"claim_fence_token,omitempty"`

	// ClaimExpiresAt is the claim deadline, assigned from the store's
	// clock. Nil unless State is claimed.
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	// AttemptCount is how many times the task has been claimed.
	AttemptCount int `json:"attempt_count"`

	// LastError records the most recent failure reason, if any.
	LastError string `json:"last_error,omitempty"`

	// Version is the row version for optimistic concurrency.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Claimable reports whether the task could be claimed at the given
// instant: unclaimed, or claimed with an expired deadline. Local
// convenience only; the store's CAS predicate is authoritative.
func (t *Task) Claimable(now time.Time) bool {
	switch t.State {
	case StateUnclaimed:
		return true
	case StateClaimed:
		return t.ClaimExpiresAt != nil && now.After(*t.ClaimExpiresAt)
	default:
		return false
	}
}

// Claim is a worker's handle on a task it owns. It is the unit the
// heartbeat scheduler renews and the token Complete and Fail verify.
type Claim struct {
	TaskID    id.TaskID           `json:"task_id"`
	OwnerID   id.OwnerID          `json:"owner_id"`
	Fence     paralyze.FenceToken `json:"claim_fence_token"`
	ExpiresAt time.Time           `json:"claim_expires_at"`
	TTL       time.Duration       `json:"ttl"`
	Version   int64               `json:"version"`

	// Snapshot of the claimed work.
	Kind         string `json:"kind"`
	Payload      []byte `json:"payload"`
	AttemptCount int    `json:"attempt_count"`
}

// claimOf builds a Claim handle from a freshly mutated task row.
func claimOf(t *Task, ttl time.Duration) *Claim {
	c := &Claim{
		TaskID:       t.ID,
		OwnerID:      t.OwnerID,
		Fence:        t.Fence,
		TTL:          ttl,
		Version:      t.Version,
		Kind:         t.Kind,
		Payload:      t.Payload,
		AttemptCount: t.AttemptCount,
	}
	if t.ClaimExpiresAt != nil {
		c.ExpiresAt = *t.ClaimExpiresAt
	}
	return c
}
