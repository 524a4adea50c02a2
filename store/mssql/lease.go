package mssql

import (
	"context"
	"database/sql"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
)

// AcquireLease atomically creates or takes over the lease for key. A
// single HOLDLOCK merge decides everything server-side: the matched branch
// only fires when the existing row is released, expired by the server
// clock, or already held by the same owner. Takeover bumps the fence
// token; a same-owner renew keeps it.
func (s *Store) AcquireLease(ctx context.Context, key string, owner id.OwnerID, ttl time.Duration) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		MERGE dbo.paralyze_leases WITH (HOLDLOCK) AS l
		USING (SELECT @p1 AS [key]) AS src
		ON l.[key] = src.[key]
		WHEN MATCHED AND (l.released = 1 OR l.expires_at <= SYSUTCDATETIME() OR l.owner_id = @p2) THEN
			UPDATE SET
				owner_id = @p2,
				fence_token = CASE
					WHEN l.released = 1 OR l.expires_at <= SYSUTCDATETIME() THEN l.fence_token + 1
					ELSE l.fence_token
				END,
				expires_at = DATEADD(MILLISECOND, @p3, SYSUTCDATETIME()),
				released = 0,
				version = l.version + 1,
				updated_at = SYSUTCDATETIME()
		WHEN NOT MATCHED THEN
			INSERT ([key], owner_id, fence_token, expires_at, released, version)
			VALUES (@p1, @p2, 1, DATEADD(MILLISECOND, @p3, SYSUTCDATETIME()), 0, 1)
		OUTPUT INSERTED.[key], INSERTED.owner_id, INSERTED.fence_token,
			INSERTED.expires_at, INSERTED.released, INSERTED.version,
			INSERTED.created_at, INSERTED.updated_at;`,
		key, owner.String(), ttl.Milliseconds(),
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			// Matched branch declined: a live lease is held elsewhere.
			return nil, paralyze.ErrAlreadyHeld
		}
		return nil, wrapErr("acquire lease", err)
	}
	return l, nil
}

// RenewLease extends the lease by ttl via CAS on (key, version).
func (s *Store) RenewLease(ctx context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE dbo.paralyze_leases SET
			expires_at = DATEADD(MILLISECOND, @p4, SYSUTCDATETIME()),
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		OUTPUT INSERTED.[key], INSERTED.owner_id, INSERTED.fence_token,
			INSERTED.expires_at, INSERTED.released, INSERTED.version,
			INSERTED.created_at, INSERTED.updated_at
		WHERE [key] = @p1 AND owner_id = @p2 AND version = @p3 AND released = 0`,
		key, owner.String(), version, ttl.Milliseconds(),
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrLeaseLost
		}
		return nil, wrapErr("renew lease", err)
	}
	return l, nil
}

// ReleaseLease marks the lease released via CAS on (key, version). The
// tombstone row keeps the fence counter for future acquisitions.
func (s *Store) ReleaseLease(ctx context.Context, key string, owner id.OwnerID, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dbo.paralyze_leases SET
			released = 1,
			version = version + 1,
			updated_at = SYSUTCDATETIME()
		WHERE [key] = @p1 AND owner_id = @p2 AND version = @p3 AND released = 0`,
		key, owner.String(), version,
	)
	if err != nil {
		return wrapErr("release lease", err)
	}
	if n, affErr := res.RowsAffected(); affErr == nil && n > 0 {
		return nil
	}

	// CAS declined. Absent or already-released rows make release
	// idempotent; a live row that moved means the lease was taken over.
	var gone bool
	err = s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN released = 1 OR expires_at <= SYSUTCDATETIME() THEN 1 ELSE 0 END
		FROM dbo.paralyze_leases WHERE [key] = @p1 AND owner_id = @p2`,
		key, owner.String(),
	).Scan(&gone)
	if err != nil {
		if isNoRows(err) {
			return nil
		}
		return wrapErr("release lease check", err)
	}
	if gone {
		return nil
	}
	return paralyze.ErrLeaseLost
}

// GetLease returns the current row for key, tombstones included.
func (s *Store) GetLease(ctx context.Context, key string) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT [key], owner_id, fence_token, expires_at, released, version, created_at, updated_at
		FROM dbo.paralyze_leases WHERE [key] = @p1`,
		key,
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, paralyze.ErrLeaseNotFound
		}
		return nil, wrapErr("get lease", err)
	}
	return l, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanLease scans a single lease row. DATETIME2 columns come back without
// a zone, so they are normalized to UTC.
func scanLease(row rowScanner) (*lease.Lease, error) {
	var (
		l        lease.Lease
		ownerStr string
		fence    int64
	)
	err := row.Scan(
		&l.Key, &ownerStr, &fence, &l.ExpiresAt, &l.Released,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Fence = paralyze.FenceToken(fence)
	l.ExpiresAt = normalizeDBTime(l.ExpiresAt)
	l.CreatedAt = normalizeDBTime(l.CreatedAt)
	l.UpdatedAt = normalizeDBTime(l.UpdatedAt)

	owner, parseErr := id.ParseOwnerID(ownerStr)
	if parseErr != nil {
		return nil, parseErr
	}
	l.OwnerID = owner

	return &l, nil
}

var _ rowScanner = (*sql.Row)(nil)
