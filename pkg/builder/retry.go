package builder

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
)

// call runs one control plane operation under the shared rate limiter and
// the retry policy. Every attempt, including retries, waits for a token
// unless the adapter paces each of its requests itself. Transient errors
// are retried with exponential backoff up to MaxAttempts; permanent errors
// return immediately.
func call[T any](ctx context.Context, b *Builder, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		var zero T
		if !b.selfPaced {
			if err := orchestrator.Throttle(ctx, b.limiter, op); err != nil {
				return zero, backoff.Permanent(err)
			}
		}

		metrics.APIRequests.WithLabelValues(op).Inc()
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		kind := orchestrator.KindOf(err)
		metrics.APIErrors.WithLabelValues(op, kind.String()).Inc()
		if kind != orchestrator.Transient {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.APIRetries.WithLabelValues(op).Inc()
		slog.Debug("retrying control plane call", "op", op, "wait", wait, "error", err)
	}

	return backoff.RetryNotifyWithData(attempt, b.newBackOff(ctx), notify)
}

// newBackOff returns a fresh policy for one call.
func (b *Builder) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.opts.InitialBackoff),
		backoff.WithMaxInterval(b.opts.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	retries := 0
	if b.opts.MaxAttempts > 1 {
		retries = b.opts.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
