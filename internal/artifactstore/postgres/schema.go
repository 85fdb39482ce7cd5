package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS artifact_versions (
	seq BIGSERIAL PRIMARY KEY,
	theorem_name TEXT NOT NULL,
	artifact_hash BYTEA NOT NULL,
	artifact_id TEXT NOT NULL,
	stub_hash BYTEA NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT artifact_versions_artifact_hash_len CHECK (octet_length(artifact_hash) = 32),
	CONSTRAINT artifact_versions_stub_hash_len CHECK (octet_length(stub_hash) = 32),
	CONSTRAINT artifact_versions_theorem_nonempty CHECK (theorem_name <> ''),
	CONSTRAINT artifact_versions_status_nonempty CHECK (status <> ''),
	CONSTRAINT artifact_versions_unique UNIQUE (theorem_name, artifact_hash)
);

CREATE INDEX IF NOT EXISTS artifact_versions_theorem_seq_idx ON artifact_versions (theorem_name, seq);
CREATE INDEX IF NOT EXISTS artifact_versions_stub_idx ON artifact_versions (stub_hash);
`
