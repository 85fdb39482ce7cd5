package leases

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// StubLeaseName is the lease guarding one stub, addressed by its content hash.
func StubLeaseName(stubHash string) string { return "stub/" + stubHash }

// Held is a lease kept alive by a background renewer. Its context is
// cancelled if a renewal finds the lease lost, so work done under it stops.
type Held struct {
	lease Lease
	store Store
	ctx   context.Context

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Hold acquires name for owner and renews it every ttl/3 until Release.
// ok is false when another owner holds the lease.
func Hold(ctx context.Context, store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Held, bool, error) {
	l, ok, err := store.TryAcquire(ctx, name, owner, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	if log == nil {
		log = slog.Default()
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Held{lease: l, store: store, ctx: hctx, cancel: cancel, done: make(chan struct{})}
	go h.renew(ttl, log)
	return h, true, nil
}

func (h *Held) Lease() Lease { return h.lease }

// Context is done when the lease is released or lost.
func (h *Held) Context() context.Context { return h.ctx }

func (h *Held) renew(ttl time.Duration, log *slog.Logger) {
	defer close(h.done)
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			_, ok, err := h.store.Renew(h.ctx, h.lease.Name, h.lease.Owner, ttl)
			if err != nil && errors.Is(err, context.Canceled) {
				return
			}
			if err != nil || !ok {
				log.Warn("lease lost", "lease", h.lease.Name, "owner", h.lease.Owner, "err", err)
				h.cancel()
				return
			}
		}
	}
}

// Release stops renewal and gives the lease up. It is safe to call more
// than once.
func (h *Held) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		err = h.store.Release(ctx, h.lease.Name, h.lease.Owner)
		if errors.Is(err, ErrNotOwner) {
			err = nil
		}
	})
	return err
}
