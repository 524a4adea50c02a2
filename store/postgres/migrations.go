package postgres

// migration is one named, idempotently tracked schema change.
type migration struct {
	name string
	up   string
}

var migrations = []migration{
	{
		name: "001_create_leases",
		up: `
			CREATE TABLE IF NOT EXISTS paralyze_leases (
				key          TEXT PRIMARY KEY,
				owner_id     TEXT NOT NULL,
				fence_token  BIGINT NOT NULL DEFAULT 1,
				expires_at   TIMESTAMPTZ NOT NULL,
				released     BOOLEAN NOT NULL DEFAULT FALSE,
				version      BIGINT NOT NULL DEFAULT 1,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_paralyze_leases_expiry
				ON paralyze_leases (expires_at)
				WHERE NOT released`,
	},
	{
		name: "002_create_tasks",
		up: `
			CREATE TABLE IF NOT EXISTS paralyze_tasks (
				id                 TEXT PRIMARY KEY,
				kind               TEXT NOT NULL,
				payload            BYTEA,
				state              TEXT NOT NULL DEFAULT 'unclaimed',
				owner_id           TEXT,
				claim_fence_token  BIGINT NOT NULL DEFAULT 0,
				claim_expires_at   TIMESTAMPTZ,
				attempt_count      INTEGER NOT NULL DEFAULT 0,
				last_error         TEXT NOT NULL DEFAULT '',
				version            BIGINT NOT NULL DEFAULT 1,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				completed_at       TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_paralyze_tasks_claimable
				ON paralyze_tasks (claim_expires_at ASC NULLS LAST, created_at ASC)
				WHERE state IN ('unclaimed', 'claimed')`,
	},
}
