package mssql

import (
	"context"
	"database/sql"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/task"
)

const taskColumns = `id, kind, payload, state, owner_id, claim_fence_token,
	claim_expires_at, attempt_count, last_error, version,
	created_at, updated_at, completed_at`

const taskOutput = `INSERTED.id, INSERTED.kind, INSERTED.payload,
	INSERTED.state, INSERTED.owner_id, INSERTED.claim_fence_token,
	INSERTED.claim_expires_at, INSERTED.attempt_count, INSERTED.last_error,
	INSERTED.version, INSERTED.created_at, INSERTED.updated_at,
	INSERTED.completed_at`

// CreateTask persists a new task in unclaimed state.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dbo.paralyze_tasks (id, kind, payload, state)
		OUTPUT INSERTED.version, INSERTED.created_at, INSERTED.updated_at
		VALUES (@p1, @p2, @p3, 'unclaimed')`,
		t.ID.String(), t.Kind, t.Payload,
	)
	if err := row.Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return paralyze.ErrTaskAlreadyExists
		}
		return wrapErr("create task", err)
	}
	t.State = task.StateUnclaimed
	t.CreatedAt = normalizeDBTime(t.CreatedAt)
	t.UpdatedAt = normalizeDBTime(t.UpdatedAt)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM dbo.paralyze_tasks WHERE id = @p1`,
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
// The expiry comparison runs against the server's SYSUTCDATETIME().
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TOP (@p1) `+taskColumns+`
		FROM dbo.paralyze_tasks
		WHERE state = 'unclaimed'
		   OR (state = 'claimed' AND claim_expires_at < SYSUTCDATETIME())
		ORDER BY
			CASE WHEN state = 'claimed' THEN 0 ELSE 1 END,
			claim_expires_at ASC,
			created_at ASC`,
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
	row := s.db.QueryRowContext(ctx, `
		UPDATE dbo.paralyze_tasks SET
			state = 'claimed',
			owner_id = @p3,
			claim_fence_token = claim_fence_token + 1,
			claim_expires_at = DATEADD(MILLISECOND, @p4, SYSUTCDATETIME()),
			attempt_count = attempt_count + 1,
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		OUTPUT `+taskOutput+`
		WHERE id = @p1 AND version = @p2
		  AND (state = 'unclaimed' OR (state = 'claimed' AND claim_expires_at < SYSUTCDATETIME()))`,
		taskID.String(), version, owner.String(), ttl.Milliseconds(),
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
	row := s.db.QueryRowContext(ctx, `
		UPDATE dbo.paralyze_tasks SET
			claim_expires_at = DATEADD(MILLISECOND, @p4, SYSUTCDATETIME()),
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		OUTPUT `+taskOutput+`
		WHERE id = @p1 AND version = @p2 AND owner_id = @p3 AND state = 'claimed'`,
		taskID.String(), version, owner.String(), ttl.Milliseconds(),
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
	row := s.db.QueryRowContext(ctx, `
		UPDATE dbo.paralyze_tasks SET
			state = 'completed',
			claim_expires_at = NULL,
			completed_at = SYSUTCDATETIME(),
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		OUTPUT `+taskOutput+`
		WHERE id = @p1 AND version = @p2 AND owner_id = @p3 AND state = 'claimed'`,
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
	row := s.db.QueryRowContext(ctx, `
		UPDATE dbo.paralyze_tasks SET
			state = CASE WHEN @p4 = 1 THEN 'failed' ELSE 'unclaimed' END,
			owner_id = CASE WHEN @p4 = 1 THEN owner_id ELSE NULL END,
			claim_expires_at = NULL,
			completed_at = CASE WHEN @p4 = 1 THEN SYSUTCDATETIME() ELSE NULL END,
			last_error = @p5,
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		OUTPUT `+taskOutput+`
		WHERE id = @p1 AND version = @p2 AND owner_id = @p3 AND state = 'claimed'`,
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
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dbo.paralyze_tasks WHERE id = @p1`,
		taskID.String(),
	).Scan(&count)
	if err != nil {
		return wrapErr("claim miss check", err)
	}
	if count == 0 {
		return paralyze.ErrTaskNotFound
	}
	return paralyze.ErrVersionConflict
}

// scanTask scans a single task row, normalizing zoneless DATETIME2 values
// to UTC.
func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t        task.Task
		stateStr string
		ownerStr sql.NullString
		fence    int64
		expires  sql.NullTime
		done     sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.Payload, &stateStr, &ownerStr, &fence,
		&expires, &t.AttemptCount, &t.LastError, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &done,
	)
	if err != nil {
		return nil, err
	}

	t.State = task.State(stateStr)
	t.Fence = paralyze.FenceToken(fence)
	t.CreatedAt = normalizeDBTime(t.CreatedAt)
	t.UpdatedAt = normalizeDBTime(t.UpdatedAt)

	if expires.Valid {
		e := normalizeDBTime(expires.Time)
		t.ClaimExpiresAt = &e
	}
	if done.Valid {
		c := normalizeDBTime(done.Time)
		t.CompletedAt = &c
	}

	if ownerStr.Valid && ownerStr.String != "" {
		owner, parseErr := id.ParseOwnerID(ownerStr.String)
		if parseErr != nil {
			return nil, parseErr
		}
		t.OwnerID = owner
	}

	return &t, nil
}
