package gateway

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited paces calls to a provider. It waits for a token and then makes
// exactly one delegated call.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

var _ Gateway = (*RateLimited)(nil)

func NewRateLimited(next Gateway, qps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) Send(ctx context.Context, to, body string) (SendResult, error) {
	if err := checkDestination(r.next.Name(), to); err != nil {
		return SendResult{}, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("%s: rate limit wait: %w", r.next.Name(), err)
	}
	return r.next.Send(ctx, to, body)
}

func (r *RateLimited) Status(ctx context.Context, providerResponseID string) (DeliveryStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s: rate limit wait: %w", r.next.Name(), err)
	}
	return r.next.Status(ctx, providerResponseID)
}

// Unwrap exposes the limited gateway.
func (r *RateLimited) Unwrap() Gateway { return r.next }
