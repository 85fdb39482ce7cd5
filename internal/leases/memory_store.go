package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. It backs single-worker deployments
// and tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, owner, ttl, true); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, exists := s.leases[name]
	if exists && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl), Acquisitions: cur.Acquisitions + 1}
	s.leases[name] = l
	return l, true, nil
}

// Renew extends a lease even if it has expired, as long as nobody has taken
// it over in the meantime.
func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, owner, ttl, true); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.ownedLocked(name, owner)
	if err != nil {
		return Lease{}, false, err
	}
	l.ExpiresAt = s.now().Add(ttl)
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if err := Validate(name, owner, 0, false); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedLocked(name, owner); err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ownedLocked(name, owner string) (Lease, error) {
	l, ok := s.leases[name]
	switch {
	case !ok:
		return Lease{}, ErrNotFound
	case l.Owner != owner:
		return Lease{}, ErrNotOwner
	}
	return l, nil
}
