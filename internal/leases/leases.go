// Package leases hands out expiring, named ownership records. Proof workers
// hold one per stub so a redelivered request is not proved twice at once,
// and so a stub that keeps killing its worker can be recognised.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
	// Acquisitions counts how often the lease was taken since it was last
	// released. A lease that expires instead of being released keeps its
	// count, so a value above one means earlier holders died mid-work.
	Acquisitions int
}

// Store is a compare-and-swap lease API.
//
// TryAcquire succeeds when the lease is absent or expired by the store's
// clock. Renew succeeds only for the current owner. Release is idempotent
// when the lease is already gone.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

// Validate checks the arguments shared by every Store implementation.
// ttl is only checked when positive ttl is required.
func Validate(name, owner string, ttl time.Duration, needTTL bool) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty lease name", ErrInvalidInput)
	case owner == "":
		return fmt.Errorf("%w: empty owner", ErrInvalidInput)
	case needTTL && ttl <= 0:
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
