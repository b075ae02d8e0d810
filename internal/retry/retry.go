// Package retry runs operations with exponential backoff. Only errors marked
// with Transient are retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy holds backoff settings.
type Policy struct {
	MaxAttempts int // 0 = until ctx is done
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // 0-1
}

// DefaultPolicy is used by the git executor for index.lock contention.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		InitialWait: 50 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Backoff returns the wait before the given attempt (1-based) without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	return time.Duration(wait)
}

func (p Policy) wait(attempt int) time.Duration {
	w := float64(p.Backoff(attempt))
	if p.Jitter > 0 {
		w += w * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(w)
}

// Do runs fn until it succeeds, returns a non-transient error, attempts run
// out, or ctx is done. The last error is returned unwrapped from its marker.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return v, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			var t transientError
			errors.As(err, &t)
			return v, t.err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.wait(attempt)):
		}
	}
}
