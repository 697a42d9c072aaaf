package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChallengeFailed covers every wrong-secret outcome: bad password,
	// bad code, malformed credential, replayed code, clone signal. One
	// sentinel so callers cannot render different messages per cause.
	ErrChallengeFailed = errors.New("challenge_failed")

	// ErrPrecondition marks a ceremony invoked with no matching session
	// state. Never accompanied by a rate-limit counter increment.
	ErrPrecondition = errors.New("precondition_failed")

	// ErrForbidden marks an action the account's capabilities do not
	// permit.
	ErrForbidden = errors.New("forbidden")

	// ErrSudoRequired marks a gated action attempted outside a confirmed
	// sudo window.
	ErrSudoRequired = errors.New("sudo_required")
)

// RateLimitedError reports how long the caller must wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate_limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// ValidationError is malformed input with field-level detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
