// Package postgres stores stub leases in Postgres so that several workers on
// one input topic agree on who is proving which stub. Expiry is judged by
// the database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spec-to-proof/spec-to-proof/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

const (
	acquireSQL = `
INSERT INTO stub_leases (name, owner, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner,
	expires_at = EXCLUDED.expires_at,
	acquisitions = stub_leases.acquisitions + 1,
	updated_at = now()
WHERE stub_leases.expires_at <= now()
RETURNING owner, expires_at, acquisitions`

	renewSQL = `
UPDATE stub_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
	updated_at = now()
WHERE name = $1 AND owner = $2
RETURNING owner, expires_at, acquisitions`

	releaseSQL = `DELETE FROM stub_leases WHERE name = $1 AND owner = $2`

	getSQL = `SELECT owner, expires_at, acquisitions FROM stub_leases WHERE name = $1`
)

type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := leases.Validate(name, owner, ttl, true); err != nil {
		return leases.Lease{}, false, err
	}
	l, err := scanLease(name, s.pool.QueryRow(ctx, acquireSQL, name, owner, millis(ttl)))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Held and unexpired: report the current holder.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	case err != nil:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := leases.Validate(name, owner, ttl, true); err != nil {
		return leases.Lease{}, false, err
	}
	l, err := scanLease(name, s.pool.QueryRow(ctx, renewSQL, name, owner, millis(ttl)))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return leases.Lease{}, false, s.whyNotOwned(ctx, name, owner)
	case err != nil:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := leases.Validate(name, owner, 0, false); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, releaseSQL, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := s.whyNotOwned(ctx, name, owner); !errors.Is(err, leases.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, err
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}
	l, err := scanLease(name, s.pool.QueryRow(ctx, getSQL, name))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return leases.Lease{}, leases.ErrNotFound
	case err != nil:
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}

// whyNotOwned explains a write that matched no row for (name, owner).
func (s *Store) whyNotOwned(ctx context.Context, name, owner string) error {
	cur, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return leases.ErrNotOwner
	}
	return fmt.Errorf("leases/postgres: %s owned by %s but row did not match", name, owner)
}

func (s *Store) ready() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func scanLease(name string, row pgx.Row) (leases.Lease, error) {
	l := leases.Lease{Name: name}
	err := row.Scan(&l.Owner, &l.ExpiresAt, &l.Acquisitions)
	return l, err
}

func millis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
