package task

import (
	"context"
	"time"

	"github.com/StratusCode/paralyze/id"
)

// Store defines the persistence contract for tasks. State transitions are
// single-row compare-and-swap on (task id, version); claimability is
// decided inside the store's predicate with the store's own clock.
type Store interface {
	// CreateTask persists a new task in unclaimed state.
	// Fails with paralyze.ErrTaskAlreadyExists on a duplicate ID.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID, or paralyze.ErrTaskNotFound.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// ClaimCandidates returns up to limit claimable tasks: claimed rows
	// whose deadline has passed first, ordered oldest-expired-first, then
	// unclaimed rows ordered oldest-created-first. The result is a
	// snapshot; rows may be taken by other workers before ClaimTask runs.
	ClaimCandidates(ctx context.Context, limit int) ([]*Task, error)

	// ClaimTask transitions the task to claimed via CAS on (id, version),
	// re-checking claimability inside the predicate. On success it sets
	// the owner, bumps the attempt count, allocates the next claim fence
	// token, and sets the deadline to the store's now plus ttl. Returns
	// paralyze.ErrVersionConflict when the row moved since the candidate
	// snapshot, paralyze.ErrTaskNotFound when the row is gone.
	ClaimTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*Task, error)

	// ExtendClaim pushes the claim deadline to now plus ttl via CAS.
	// Fails with paralyze.ErrClaimLost when the version or owner no
	// longer matches.
	ExtendClaim(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*Task, error)

	// CompleteTask transitions claimed to completed via CAS.
	// Fails with paralyze.ErrClaimLost when the claim was reclaimed.
	CompleteTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID) (*Task, error)

	// FailTask finishes an attempt via CAS: terminal moves the task to
	// failed, otherwise back to unclaimed (owner and deadline cleared) so
	// it can be reclaimed. lastErr is recorded either way. Fails with
	// paralyze.ErrClaimLost when the claim was reclaimed.
	FailTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, terminal bool, lastErr string) (*Task, error)
}
