// Package retry holds the one retry policy shared by the gateway health probe
// and the generator's per-attempt upstream call.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy describes how many times an operation runs and how long to wait
// between runs.
type Policy struct {
	MaxAttempts int           // total runs including the first, minimum 1
	BaseDelay   time.Duration // delay before the first retry
	Multiplier  float64       // exponential growth factor; ignored when Linear is set
	MaxDelay    time.Duration // upper bound on any single delay, 0 for none
	Linear      bool          // delay grows as BaseDelay * n
}

// Delay returns the wait before retry n (n starts at 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	var d time.Duration
	if p.Linear {
		d = p.BaseDelay * time.Duration(n)
	} else {
		mult := p.Multiplier
		if mult <= 0 {
			mult = 1
		}
		d = time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, returns a permanent error, the context ends or
// the attempts are exhausted. attempt is 1-based. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, p.Delay(attempt-1)); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
