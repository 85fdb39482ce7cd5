// Package postgres indexes artifact versions per theorem in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
)

var ErrInvalidConfig = errors.New("artifactstore/postgres: invalid config")

// Lineage implements artifactstore.Lineage. Versions are ordered by insertion.
type Lineage struct {
	pool *pgxpool.Pool
}

var _ artifactstore.Lineage = (*Lineage)(nil)

func New(pool *pgxpool.Pool) (*Lineage, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Lineage{pool: pool}, nil
}

func (l *Lineage) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("%w: nil lineage", ErrInvalidConfig)
	}
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("artifactstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (l *Lineage) Record(ctx context.Context, v artifactstore.Version) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("%w: nil lineage", ErrInvalidConfig)
	}
	if err := artifactstore.ValidateTheoremName(v.TheoremName); err != nil {
		return err
	}
	if v.ArtifactHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing artifact hash", artifactstore.ErrInvalidInput)
	}
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO artifact_versions (
			theorem_name,
			artifact_hash,
			artifact_id,
			stub_hash,
			status,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (theorem_name, artifact_hash) DO NOTHING
	`, v.TheoremName, hashToBytes(v.ArtifactHash), v.ArtifactID, hashToBytes(v.StubHash), string(v.Status), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("artifactstore/postgres: insert version: %w", err)
	}
	return nil
}

func (l *Lineage) Versions(ctx context.Context, theoremName string) ([]artifactstore.Version, error) {
	if l == nil || l.pool == nil {
		return nil, fmt.Errorf("%w: nil lineage", ErrInvalidConfig)
	}
	if err := artifactstore.ValidateTheoremName(theoremName); err != nil {
		return nil, err
	}
	rows, err := l.pool.Query(ctx, `
		SELECT artifact_hash, artifact_id, stub_hash, status, created_at
		FROM artifact_versions
		WHERE theorem_name = $1
		ORDER BY seq ASC
	`, theoremName)
	if err != nil {
		return nil, fmt.Errorf("artifactstore/postgres: query versions: %w", err)
	}
	defer rows.Close()

	var out []artifactstore.Version
	for rows.Next() {
		var (
			artifactHash []byte
			stubHash     []byte
			status       string
			v            artifactstore.Version
		)
		if err := rows.Scan(&artifactHash, &v.ArtifactID, &stubHash, &status, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("artifactstore/postgres: scan version: %w", err)
		}
		if len(artifactHash) != common.HashLength || len(stubHash) != common.HashLength {
			return nil, fmt.Errorf("artifactstore/postgres: invalid hash length in row")
		}
		v.TheoremName = theoremName
		v.ArtifactHash = common.BytesToHash(artifactHash)
		v.StubHash = common.BytesToHash(stubHash)
		v.Status = proof.Status(status)
		v.CreatedAt = v.CreatedAt.UTC()
		v.Sequence = len(out) + 1
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifactstore/postgres: iterate versions: %w", err)
	}
	return out, nil
}

func (l *Lineage) Ping(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("%w: nil lineage", ErrInvalidConfig)
	}
	return l.pool.Ping(ctx)
}

func hashToBytes(v common.Hash) []byte {
	return append([]byte(nil), v[:]...)
}
