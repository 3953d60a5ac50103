package retry

import (
	"context"
	"fmt"
	"time"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
	After               // rate-limited, use longer backoff
)

// Policy controls the retry budget. Either Delays or InitialBackoff drives the
// wait between attempts: a non-empty Delays table is consumed index-by-index
// (attempt N waits Delays[N-1]), otherwise InitialBackoff doubles per attempt.
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	Delays           []time.Duration
	RateLimitBackoff time.Duration
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

// Linear returns a policy waiting base×1, base×2, ... between attempts.
func Linear(maxAttempts int, base time.Duration) Policy {
	delays := make([]time.Duration, 0, maxAttempts-1)
	for i := 1; i < maxAttempts; i++ {
		delays = append(delays, time.Duration(i)*base)
	}
	return Policy{MaxAttempts: maxAttempts, Delays: delays}
}

type Classify func(err error) Action
type Operation[T any] func() (T, error)
type VoidOperation func() error

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			var zero T
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			var zero T
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		wait := backoff
		if len(p.Delays) > 0 {
			i := attempt - 1
			if i >= len(p.Delays) {
				i = len(p.Delays) - 1
			}
			wait = p.Delays[i]
		}
		if action == After && p.RateLimitBackoff > 0 {
			wait = p.RateLimitBackoff
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-time.After(wait):
			backoff *= 2
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op VoidOperation) error {
	_, err := Do(ctx, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
