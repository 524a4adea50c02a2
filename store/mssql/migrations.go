package mssql

// migration is one named, idempotently tracked schema change.
type migration struct {
	name string
	up   string
}

var migrations = []migration{
	{
		name: "001_create_leases",
		up: `
			IF OBJECT_ID(N'dbo.paralyze_leases', N'U') IS NULL
			BEGIN
				CREATE TABLE dbo.paralyze_leases (
					[key]        NVARCHAR(450) NOT NULL PRIMARY KEY,
					owner_id     NVARCHAR(255) NOT NULL,
					fence_token  BIGINT NOT NULL DEFAULT 1,
					expires_at   DATETIME2 NOT NULL,
					released     BIT NOT NULL DEFAULT 0,
					version      BIGINT NOT NULL DEFAULT 1,
					created_at   DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
					updated_at   DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
				);

				CREATE INDEX idx_paralyze_leases_expiry
					ON dbo.paralyze_leases (expires_at)
					WHERE released = 0;
			END`,
	},
	{
		name: "002_create_tasks",
		up: `
			IF OBJECT_ID(N'dbo.paralyze_tasks', N'U') IS NULL
			BEGIN
				CREATE TABLE dbo.paralyze_tasks (
					id                 NVARCHAR(450) NOT NULL PRIMARY KEY,
					kind               NVARCHAR(255) NOT NULL,
					payload            VARBINARY(MAX) NULL,
					state              NVARCHAR(32) NOT NULL DEFAULT 'unclaimed',
					owner_id           NVARCHAR(255) NULL,
					claim_fence_token  BIGINT NOT NULL DEFAULT 0,
					claim_expires_at   DATETIME2 NULL,
					attempt_count      INT NOT NULL DEFAULT 0,
					last_error         NVARCHAR(MAX) NOT NULL DEFAULT '',
					version            BIGINT NOT NULL DEFAULT 1,
					created_at         DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
					updated_at         DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
					completed_at       DATETIME2 NULL
				);

				CREATE INDEX idx_paralyze_tasks_claimable
					ON dbo.paralyze_tasks (claim_expires_at ASC, created_at ASC)
					WHERE state IN ('unclaimed', 'claimed');
			END`,
	},
}
