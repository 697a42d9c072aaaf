package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/internal/ceremony/limiter"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/timebox"
)

// RecoveryCodeCount is how many codes a set holds.
const RecoveryCodeCount = 8

// recoveryAlphabet deliberately mixes letters and digits; a generated code
// always contains at least one letter, so a normalized recovery code can
// never look like a TOTP code.
const recoveryAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// RecoveryService generates, confirms, and consumes one-time recovery
// codes.
type RecoveryService struct {
	Store       store.Store
	Limiter     *limiter.Limiter
	Timebox     *timebox.Executor
	Events      *event.Dispatcher
	Sudo        *SudoService
	Notifier    Notifier
	MaxAttempts int
}

func (s *RecoveryService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return limiter.DefaultMaxAttempts
}

// GenerateRecoveryCodes returns a fresh set of independently random codes
// formatted XXXXX-XXXXX.
func GenerateRecoveryCodes() []string {
	codes := make([]string, RecoveryCodeCount)
	for i := range codes {
		codes[i] = generateRecoveryCode()
	}
	return codes
}

func generateRecoveryCode() string {
	for {
		var buf [10]byte
		raw := make([]byte, 10)
		_, _ = rand.Read(raw)

		hasLetter := false
		for i, b := range raw {
			c := recoveryAlphabet[int(b)%len(recoveryAlphabet)]
			if c >= 'A' && c <= 'Z' {
				hasLetter = true
			}
			buf[i] = c
		}
		if !hasLetter {
			continue
		}
		return string(buf[:5]) + "-" + string(buf[5:])
	}
}

// NormalizeRecoveryCode strips separators and upper-cases so comparison is
// case and format insensitive.
func NormalizeRecoveryCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToUpper(code)
}

// ContainsRecoveryCode reports whether candidate matches a code in set.
// Matching is normalized but always full-string.
func ContainsRecoveryCode(set []string, candidate string) bool {
	_, ok := findRecoveryCode(set, candidate)
	return ok
}

// RemoveRecoveryCode returns set with exactly the matched code removed,
// order preserved, and whether a match was found.
func RemoveRecoveryCode(set []string, candidate string) ([]string, bool) {
	i, ok := findRecoveryCode(set, candidate)
	if !ok {
		return set, false
	}
	out := make([]string, 0, len(set)-1)
	out = append(out, set[:i]...)
	out = append(out, set[i+1:]...)
	return out, true
}

func findRecoveryCode(set []string, candidate string) (int, bool) {
	want := NormalizeRecoveryCode(candidate)
	if want == "" {
		return 0, false
	}
	for i, code := range set {
		if NormalizeRecoveryCode(code) == want {
			return i, true
		}
	}
	return 0, false
}

// Generate creates a pending set of codes in the session. Nothing is
// persisted until the user confirms possession by echoing one code back.
// Requires a confirmed sudo window.
func (s *RecoveryService) Generate(ctx context.Context, sess *session.Session, owner *domain.Owner) ([]string, error) {
	if err := s.Sudo.Check(sess, owner.ID); err != nil {
		return nil, err
	}

	codes := GenerateRecoveryCodes()
	sess.SetPendingRecoveryCodes(codes)
	s.Events.Emit(event.New(event.RecoveryCodesGenerated).WithUser(owner.ID))
	return codes, nil
}

// Confirm persists the pending set once one of its codes is echoed back,
// replacing any previously stored set.
func (s *RecoveryService) Confirm(ctx context.Context, sess *session.Session, owner *domain.Owner, code, ip string) error {
	pending, ok := sess.PendingRecoveryCodes()
	if !ok {
		return ErrPrecondition
	}

	key := limiter.ChallengeKey(limiter.ScopeRecovery, owner.Username, ip)
	if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
		s.Events.Emit(event.New(event.Lockout).WithUser(owner.ID).WithScope(limiter.ScopeRecovery))
		return &RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)}
	}

	if !ContainsRecoveryCode(pending, code) {
		s.Limiter.Hit(key)
		return ErrChallengeFailed
	}
	s.Limiter.Clear(key)

	sealed, err := sealRecoveryCodes(pending)
	if err != nil {
		return err
	}
	if err := s.Store.Owners().UpdateRecoveryCodes(ctx, owner.ID, sealed); err != nil {
		return fmt.Errorf("persist recovery codes: %w", err)
	}

	sess.ClearPendingRecoveryCodes()
	return nil
}

// Consume verifies code against the owner's stored set and, on a match,
// persists the set with exactly that code removed. Each code is single-use.
func (s *RecoveryService) Consume(ctx context.Context, owner *domain.Owner, code string) error {
	codes, err := openRecoveryCodes(owner.RecoveryCodes)
	if err != nil {
		return err
	}

	reduced, ok := RemoveRecoveryCode(codes, code)
	if !ok {
		return ErrChallengeFailed
	}

	sealed, err := sealRecoveryCodes(reduced)
	if err != nil {
		return err
	}
	if err := s.Store.Owners().UpdateRecoveryCodes(ctx, owner.ID, sealed); err != nil {
		return fmt.Errorf("persist reduced recovery codes: %w", err)
	}
	return nil
}

// Request initiates an account-recovery ceremony. Throttled by IP only so
// identity probing cannot bypass the limit, and the response never reveals
// whether the account exists.
func (s *RecoveryService) Request(ctx context.Context, username, ip string) error {
	key := limiter.RequestKey(ip)

	return s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithScope(limiter.ScopeRecovery))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}
		s.Limiter.Hit(key)

		owner, err := s.Store.Owners().FindByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("find owner: %w", err)
		}
		if s.Notifier != nil {
			if err := s.Notifier.RecoveryNotice(ctx, owner); err != nil {
				return fmt.Errorf("send recovery notice: %w", err)
			}
		}
		return nil
	})
}
