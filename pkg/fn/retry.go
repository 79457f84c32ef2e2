package fn

import (
	"context"
	"math/rand"
	"time"
)

// Backoff selects how the wait grows between attempts.
type Backoff int

const (
	// Exponential doubles the wait after every failed attempt.
	Exponential Backoff = iota
	// Linear waits InitialWait*attempt after the attempt-th failure.
	Linear
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	Backoff     Backoff
	// Retryable reports whether a failed attempt should be retried.
	// Nil retries every error.
	Retryable func(error) bool
}

// UpstreamRetry is the policy for calls to model endpoints: three attempts,
// 400ms then 800ms apart.
var UpstreamRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: 400 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Backoff:     Linear,
}

// wait returns the sleep before the attempt following the given failed one (1-based).
func (o RetryOpts) wait(failed int) time.Duration {
	var d time.Duration
	switch o.Backoff {
	case Linear:
		d = o.InitialWait * time.Duration(failed)
	default:
		shift := failed - 1
		if shift > 30 {
			shift = 30
		}
		d = o.InitialWait << shift
	}
	if o.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && d > o.MaxWait {
		d = o.MaxWait
	}
	return d
}

// Retry retries f up to MaxAttempts times, sleeping between attempts
// according to Backoff. Errors rejected by Retryable are returned at once.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(opts.wait(attempt)):
		}
	}
	return result
}
