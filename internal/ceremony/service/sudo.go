package service

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/internal/ceremony/limiter"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/pkg/cryptox"
	"github.com/keyfold/keyfold/pkg/timebox"
)

// DefaultSudoWindow is how long a sudo confirmation stays valid without
// another gated action sliding it forward.
const DefaultSudoWindow = 3 * time.Hour

// SudoService gates sensitive actions behind a recent re-confirmation. Two
// states: confirmed (sudo.confirmedAt set) and unconfirmed
// (sudo.requiredAt set); never both.
type SudoService struct {
	Limiter     *limiter.Limiter
	Timebox     *timebox.Executor
	Events      *event.Dispatcher
	Window      time.Duration
	MaxAttempts int

	// now is injectable for tests.
	Now func() time.Time
}

func (s *SudoService) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultSudoWindow
}

func (s *SudoService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return limiter.DefaultMaxAttempts
}

func (s *SudoService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Check allows the gated action when the sliding window is still open,
// refreshing it. Outside the window it flips the session to unconfirmed,
// emits SudoModeChallenged, and reports that re-confirmation is owed.
func (s *SudoService) Check(sess *session.Session, userID string) error {
	now := s.now()

	confirmedAt, ok := sess.SudoConfirmedAt()
	if ok && now.Sub(confirmedAt) < s.window() {
		sess.RefreshSudo(now)
		return nil
	}

	sess.ExpireSudo(now)
	s.Events.Emit(event.New(event.SudoModeChallenged).WithUser(userID))
	return ErrSudoRequired
}

// Enable opens the sudo window. Called on explicit confirmation, on full
// authentication, and on successful account recovery.
func (s *SudoService) Enable(sess *session.Session, userID string) {
	sess.EnableSudo(s.now())
	s.Events.Emit(event.New(event.SudoModeEnabled).WithUser(userID))
}

// Confirm re-verifies the account password and opens the sudo window. The
// check is timeboxed and rate-limited like any other challenge.
func (s *SudoService) Confirm(ctx context.Context, sess *session.Session, owner *domain.Owner, password, ip string) error {
	if password == "" {
		return validationErr("password", "required")
	}
	if !owner.HasPassword() {
		return ErrForbidden
	}

	key := limiter.ChallengeKey(limiter.ScopeSudo, owner.Username, ip)

	return s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithUser(owner.ID).WithScope(limiter.ScopeSudo))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}

		if cryptox.VerifyPassword(password, owner.PasswordHash) != nil {
			s.Limiter.Hit(key)
			return ErrChallengeFailed
		}

		s.Limiter.Clear(key)
		s.Enable(sess, owner.ID)
		return nil
	})
}
