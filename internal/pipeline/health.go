package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"

	ComponentReasoning = "reasoning"
	ComponentStore     = "store"
	ComponentSandbox   = "sandbox"
)

type ComponentHealth struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Health struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

func (h Health) OK() bool { return h.Status == HealthOK }

// HealthCheck probes the reasoning service, the artifact store and the
// sandbox runtime in parallel. A missing dependency is reported unhealthy.
func (s *Service) HealthCheck(ctx context.Context) Health {
	checks := map[string]func(context.Context) error{
		ComponentStore: s.store.Ping,
	}
	if s.provider != nil {
		checks[ComponentReasoning] = s.provider.Ping
	} else {
		checks[ComponentReasoning] = nil
	}
	if s.verifier != nil {
		checks[ComponentSandbox] = s.verifier.Ready
	} else {
		checks[ComponentSandbox] = nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make([]ComponentHealth, 0, len(checks))
	)
	for name, probe := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := ComponentHealth{Name: name}
			if probe == nil {
				c.Error = "not configured"
			} else {
				cctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
				start := time.Now()
				err := probe(cctx)
				cancel()
				c.LatencyMS = time.Since(start).Milliseconds()
				c.OK = err == nil
				if err != nil {
					c.Error = err.Error()
				}
			}
			mu.Lock()
			out = append(out, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	h := Health{Status: HealthOK, Components: out, CheckedAt: time.Now().UTC()}
	for _, c := range out {
		if !c.OK {
			h.Status = HealthDegraded
			s.log.Warn("health check failed", "component", c.Name, "err", c.Error)
		}
	}
	return h
}
