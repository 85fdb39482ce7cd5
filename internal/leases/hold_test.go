package leases

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHold_AcquireRenewRelease(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()
	name := StubLeaseName("0xabc")

	h, ok, err := Hold(ctx, s, name, "worker-a", 30*time.Millisecond, nil)
	if err != nil || !ok {
		t.Fatalf("Hold: ok=%v err=%v", ok, err)
	}
	if got, want := h.Lease().Name, "stub/0xabc"; got != want {
		t.Fatalf("name: got %q want %q", got, want)
	}

	// Outlive the ttl; renewal keeps the lease.
	time.Sleep(90 * time.Millisecond)
	if _, ok, err := s.TryAcquire(ctx, name, "worker-b", time.Second); err != nil || ok {
		t.Fatalf("expected lease still held: ok=%v err=%v", ok, err)
	}
	if h.Context().Err() != nil {
		t.Fatalf("context cancelled while lease held")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if h.Context().Err() == nil {
		t.Fatalf("context should be done after release")
	}
	if _, ok, err := s.TryAcquire(ctx, name, "worker-b", time.Second); err != nil || !ok {
		t.Fatalf("expected lease free after release: ok=%v err=%v", ok, err)
	}
}

func TestHold_Contended(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()
	if _, ok, err := s.TryAcquire(ctx, "stub/x", "worker-a", time.Minute); err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	h, ok, err := Hold(ctx, s, "stub/x", "worker-b", time.Minute, nil)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if ok || h != nil {
		t.Fatalf("expected contended hold to fail")
	}
}

type stealingStore struct {
	*MemoryStore
	mu     sync.Mutex
	stolen bool
}

func (s *stealingStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stolen {
		return Lease{}, false, ErrNotOwner
	}
	return s.MemoryStore.Renew(ctx, name, owner, ttl)
}

func TestHold_LostLeaseCancelsContext(t *testing.T) {
	t.Parallel()

	s := &stealingStore{MemoryStore: NewMemoryStore(nil)}
	h, ok, err := Hold(context.Background(), s, "stub/y", "worker-a", 15*time.Millisecond, nil)
	if err != nil || !ok {
		t.Fatalf("Hold: ok=%v err=%v", ok, err)
	}
	s.mu.Lock()
	s.stolen = true
	s.mu.Unlock()

	select {
	case <-h.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not cancelled after lease loss")
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
