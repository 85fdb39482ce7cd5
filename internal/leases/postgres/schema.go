package postgres

// acquisitions survives expiry and resets only when the row is deleted by
// Release.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS stub_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquisitions INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE stub_leases ADD COLUMN IF NOT EXISTS acquisitions INTEGER NOT NULL DEFAULT 1;

CREATE INDEX IF NOT EXISTS stub_leases_expires_at_idx ON stub_leases (expires_at);
`
