// Package retry runs operations with exponential backoff and jitter.
//
// Callers that move money must only retry operations that are idempotent on
// the remote side (for example Stripe calls carrying an idempotency key).
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy controls how many times and how quickly an operation is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration // zero means uncapped
}

// Default is used for object store and idempotent gateway calls.
var Default = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. The delay doubles after each failure with +-25%
// jitter. A permanent error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		timer := time.NewTimer(jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	if spread == 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
