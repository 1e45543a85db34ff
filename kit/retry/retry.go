// Package retry runs an operation a bounded number of times with a fixed
// or exponential delay between attempts, stopping early when the error is
// not retryable or the context ends.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	// Attempts is the total number of tries, including the first. Minimum 1.
	Attempts int
	// Delay between attempts. With Exponential it is the initial delay.
	Delay       time.Duration
	Exponential bool
	// Retryable reports whether err warrants another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt number next (1-based).
	OnRetry func(err error, next int, wait time.Duration)
}

// Do calls fn until it succeeds, the policy is exhausted, fn returns a
// non-retryable error, or ctx is done. The last error from fn is returned,
// except that a canceled context yields ctx.Err().
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempt := 1
	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		attempt++
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, wait)
		}
	}
	return backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := max(p.Attempts, 1)

	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
