package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/task"
)

const taskColumns = `id, kind, payload, state, owner_id, claim_fence_token,
	claim_expires_at, attempt_count, last_error, version,
	created_at, updated_at, completed_at`

// CreateTask persists a new task in unclaimed state.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO paralyze_tasks (id, kind, payload, state)
		VALUES ($1, $2, $3, 'unclaimed')
		RETURNING version, created_at, updated_at`,
		t.ID.String(), t.Kind, t.Payload,
	)
	if err := row.Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if isDuplicateKey(err) {
			return paralyze.ErrTaskAlreadyExists
		}
		return wrapErr("create task", err)
	}
	t.State = task.StateUnclaimed
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM paralyze_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrTaskNotFound
		}
		return nil, wrapErr("get task", err)
	}
	return t, nil
}

// ClaimCandidates returns up to limit claimable tasks: expired claims
// first, oldest expiry first, then unclaimed tasks oldest-created first.
// The expiry comparison runs against the server's NOW().
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM paralyze_tasks
		WHERE state = 'unclaimed'
		   OR (state = 'claimed' AND claim_expires_at < NOW())
		ORDER BY
			CASE WHEN state = 'claimed' THEN 0 ELSE 1 END,
			claim_expires_at ASC NULLS LAST,
			created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrapErr("claim candidates", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, wrapErr("scan candidate", scanErr)
		}
		tasks = append(tasks, t)
	}
	if err = rows.Err(); err != nil {
		return nil, wrapErr("iterate candidates", err)
	}
	return tasks, nil
}

// ClaimTask transitions the task to claimed via CAS on (id, version). The
// predicate re-checks claimability against the server clock so a stale
// candidate snapshot can never steal a live claim.
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE paralyze_tasks SET
			state = 'claimed',
			owner_id = $3,
			claim_fence_token = claim_fence_token + 1,
			claim_expires_at = NOW() + make_interval(secs => $4),
			attempt_count = attempt_count + 1,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		  AND (state = 'unclaimed' OR (state = 'claimed' AND claim_expires_at < NOW()))
		RETURNING `+taskColumns,
		taskID.String(), version, owner.String(), ttl.Seconds(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.classifyClaimMiss(ctx, taskID)
		}
		return nil, wrapErr("claim task", err)
	}
	return t, nil
}

// ExtendClaim pushes the claim deadline to now plus ttl via CAS.
func (s *Store) ExtendClaim(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE paralyze_tasks SET
			claim_expires_at = NOW() + make_interval(secs => $4),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND owner_id = $3 AND state = 'claimed'
		RETURNING `+taskColumns,
		taskID.String(), version, owner.String(), ttl.Seconds(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrClaimLost
		}
		return nil, wrapErr("extend claim", err)
	}
	return t, nil
}

// CompleteTask transitions claimed to completed via CAS.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE paralyze_tasks SET
			state = 'completed',
			claim_expires_at = NULL,
			completed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND owner_id = $3 AND state = 'claimed'
		RETURNING `+taskColumns,
		taskID.String(), version, owner.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrClaimLost
		}
		return nil, wrapErr("complete task", err)
	}
	return t, nil
}

// FailTask finishes an attempt via CAS: terminal moves the task to failed,
// otherwise back to unclaimed with owner and deadline cleared.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, terminal bool, lastErr string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE paralyze_tasks SET
			state = CASE WHEN $4 THEN 'failed' ELSE 'unclaimed' END,
			owner_id = CASE WHEN $4 THEN owner_id ELSE NULL END,
			claim_expires_at = NULL,
			completed_at = CASE WHEN $4 THEN NOW() ELSE NULL END,
			last_error = $5,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND owner_id = $3 AND state = 'claimed'
		RETURNING `+taskColumns,
		taskID.String(), version, owner.String(), terminal, lastErr,
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrClaimLost
		}
		return nil, wrapErr("fail task", err)
	}
	return t, nil
}

// classifyClaimMiss distinguishes a vanished row from a lost CAS race.
func (s *Store) classifyClaimMiss(ctx context.Context, taskID id.TaskID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM paralyze_tasks WHERE id = $1)`,
		taskID.String(),
	).Scan(&exists)
	if err != nil {
		return wrapErr("claim miss check", err)
	}
	if !exists {
		return paralyze.ErrTaskNotFound
	}
	return paralyze.ErrVersionConflict
}

// scanTask scans a single task row.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t        task.Task
		stateStr string
		ownerStr *string
		fence    int64
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.Payload, &stateStr, &ownerStr, &fence,
		&t.ClaimExpiresAt, &t.AttemptCount, &t.LastError, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = task.State(stateStr)
	t.Fence = paralyze.FenceToken(fence)

	if ownerStr != nil && *ownerStr != "" {
		owner, parseErr := id.ParseOwnerID(*ownerStr)
		if parseErr != nil {
			return nil, parseErr
		}
		t.OwnerID = owner
	}

	return &t, nil
}
