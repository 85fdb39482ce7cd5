package reasoning

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited shares one token bucket across every caller of the wrapped
// provider.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond requests with the given burst. A
// non-positive perSecond disables limiting.
func NewRateLimited(p Provider, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		// The deadline falls before the next token.
		return Completion{}, &ServiceError{Provider: r.Name(), Retryable: true, Message: "rate limited", Err: err}
	}
	return r.Provider.Complete(ctx, req)
}
