package orchestrator

import (
	"context"
	"fmt"
)

// Limiter paces control plane requests. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// SelfPacing is implemented by adapters that take a Limiter token before
// every request they send. A caller sharing that limiter must not take a
// second token per operation.
type SelfPacing interface {
	PacesRequests() bool
}

// Throttle waits for a token from l before one request of op. A nil l never
// waits. Wait refuses early when the token would only arrive after the ctx
// deadline; that refusal is reported as context.DeadlineExceeded so it
// counts as a timeout rather than a provider failure.
func Throttle(ctx context.Context, l Limiter, op string) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("rate limiter: %w", context.DeadlineExceeded)
		}
		return NewPermanent(op, "Throttled", err)
	}
	return nil
}
