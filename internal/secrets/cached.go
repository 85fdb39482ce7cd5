package secrets

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cached memoizes successful lookups of an underlying provider. Concurrent
// misses for one reference share a single upstream call. Failures are not
// cached.
type Cached struct {
	next Provider

	group singleflight.Group
	mu    sync.RWMutex
	vals  map[string]string
}

func NewCached(next Provider) *Cached {
	return &Cached{next: next, vals: make(map[string]string)}
}

func (c *Cached) Get(ctx context.Context, ref string) (string, error) {
	c.mu.RLock()
	v, ok := c.vals[ref]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	res, err, _ := c.group.Do(ref, func() (any, error) {
		v, err := c.next.Get(ctx, ref)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.vals[ref] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
