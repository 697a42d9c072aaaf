// Package timebox normalizes the externally visible completion time of
// security-sensitive work. The wrapped function runs to completion
// immediately; only the return to the caller is delayed until the configured
// minimum has elapsed, so success and failure paths are indistinguishable by
// response latency.
package timebox

import (
	"context"
	"errors"
	"time"
)

// DefaultMinimum is a floor that comfortably covers one Argon2id hash plus
// storage round-trips.
const DefaultMinimum = 500 * time.Millisecond

// Executor pads the observable duration of Run calls to at least Min.
type Executor struct {
	Min time.Duration

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func New(min time.Duration) *Executor {
	if min <= 0 {
		min = DefaultMinimum
	}
	return &Executor{Min: min}
}

type skipError struct{ err error }

func (s skipError) Error() string { return s.err.Error() }
func (s skipError) Unwrap() error { return s.err }

// Skip marks err so that Run returns it without timing padding. Use for
// idempotent short-circuit paths where padding leaks nothing.
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return skipError{err: err}
}

// Run executes fn, then blocks until at least Min has passed since Run was
// entered. The result is computed eagerly; only the response path waits.
// Context cancellation releases the wait early (the caller is gone).
func (e *Executor) Run(ctx context.Context, fn func(context.Context) error) error {
	now := e.now
	if now == nil {
		now = time.Now
	}
	start := now()

	err := fn(ctx)

	var skip skipError
	if errors.As(err, &skip) {
		return skip.err
	}

	if remaining := e.Min - now().Sub(start); remaining > 0 {
		wait := e.sleep
		if wait == nil {
			wait = sleepCtx
		}
		wait(ctx, remaining)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
