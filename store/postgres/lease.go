package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
)

const leaseColumns = `key, owner_id, fence_token, expires_at, released, version, created_at, updated_at`

// AcquireLease atomically creates or takes over the lease for key. A
// single upsert decides everything server-side: the conflict branch only
// fires when the existing row is released, expired by the server clock, or
// already held by the same owner. Takeover bumps the fence token; a
// same-owner renew keeps it.
func (s *Store) AcquireLease(ctx context.Context, key string, owner id.OwnerID, ttl time.Duration) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO paralyze_leases AS l (key, owner_id, fence_token, expires_at, released, version)
		VALUES ($1, $2, 1, NOW() + make_interval(secs => $3), FALSE, 1)
		ON CONFLICT (key) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			fence_token = CASE
				WHEN l.released OR l.expires_at <= NOW() THEN l.fence_token + 1
				ELSE l.fence_token
			END,
			expires_at = NOW() + make_interval(secs => $3),
			released = FALSE,
			version = l.version + 1,
			updated_at = NOW()
		WHERE l.released OR l.expires_at <= NOW() OR l.owner_id = $2
		RETURNING `+leaseColumns,
		key, owner.String(), ttl.Seconds(),
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			// Conflict branch declined: a live lease is held elsewhere.
			return nil, paralyze.ErrAlreadyHeld
		}
		return nil, wrapErr("acquire lease", err)
	}
	return l, nil
}

// RenewLease extends the lease by ttl via CAS on (key, version).
func (s *Store) RenewLease(ctx context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE paralyze_leases SET
			expires_at = NOW() + make_interval(secs => $4),
			version = version + 1,
			updated_at = NOW()
		WHERE key = $1 AND owner_id = $2 AND version = $3 AND NOT released
		RETURNING `+leaseColumns,
		key, owner.String(), version, ttl.Seconds(),
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE paralyze_leases SET
			released = TRUE,
			version = version + 1,
			updated_at = NOW()
		WHERE key = $1 AND owner_id = $2 AND version = $3 AND NOT released`,
		key, owner.String(), version,
	)
	if err != nil {
		return wrapErr("release lease", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// CAS declined. Absent or already-released rows make release
	// idempotent; a live row that moved means the lease was taken over.
	var released bool
	err = s.pool.QueryRow(ctx,
		`SELECT released OR expires_at <= NOW() FROM paralyze_leases WHERE key = $1 AND owner_id = $2`,
		key, owner.String(),
	).Scan(&released)
	if err != nil {
		if isNoRows(err) {
			return nil
		}
		return wrapErr("release lease check", err)
	}
	if released {
		return nil
	}
	return paralyze.ErrLeaseLost
}

// GetLease returns the current row for key, tombstones included.
func (s *Store) GetLease(ctx context.Context, key string) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM paralyze_leases WHERE key = $1`,
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

// scanLease scans a single lease row.
func scanLease(row pgx.Row) (*lease.Lease, error) {
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

	owner, parseErr := id.ParseOwnerID(ownerStr)
	if parseErr != nil {
		return nil, parseErr
	}
	l.OwnerID = owner

	return &l, nil
}
