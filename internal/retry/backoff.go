// Package retry repeats an operation with growing pauses between tries.
// The engine uses it for the connect action.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// PermanentError marks an error that another attempt cannot fix, such as
// a malformed port.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up on it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff is an exponential retry policy.
type Backoff struct {
	// Delay before the second attempt (default 500ms).
	InitialDelay time.Duration
	// Upper bound for any single pause (default 30s).
	MaxDelay time.Duration
	// Growth factor between pauses (default 2).
	Multiplier float64
	// Total attempts including the first; 0 means until ctx is done.
	MaxAttempts int
	// Jitter spreads each pause by ±25%.
	Jitter bool
	// OnRetry, when set, is told about each failed attempt that will be
	// retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ForConnect returns the policy for the connect action: attempts tries,
// starting delay apart.
func ForConnect(attempts int, delay time.Duration) *Backoff {
	if attempts < 1 {
		attempts = 1
	}
	return &Backoff{
		InitialDelay: delay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  attempts,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil, returns a Permanent error, runs out
// of attempts, or ctx is cancelled.  attempt starts at 1.  With a
// single attempt the error from fn is returned unchanged.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := b.MaxDelay
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts == 1 {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}

		delay = time.Duration(math.Min(float64(delay)*mult, float64(ceiling)))
	}
}

func jitter(d time.Duration) time.Duration {
	quarter := float64(d) / 4
	v := float64(d) + rand.Float64()*2*quarter - quarter //nolint:gosec
	return time.Duration(math.Max(v, float64(time.Millisecond)))
}
