package service

import (
	"context"
	"fmt"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/internal/ceremony/limiter"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/internal/ceremony/verifier"
	"github.com/keyfold/keyfold/pkg/idx"
	"github.com/keyfold/keyfold/pkg/timebox"
)

// TOTPService is the time-based one-time-code challenge strategy plus its
// two-phase enrollment flow.
type TOTPService struct {
	Store       store.Store
	Limiter     *limiter.Limiter
	Timebox     *timebox.Executor
	Events      *event.Dispatcher
	Verifier    *verifier.TOTP
	Sudo        *SudoService
	MaxAttempts int
}

func (s *TOTPService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return limiter.DefaultMaxAttempts
}

// Verify checks code against every TOTP credential on file until one
// matches. The caller owns rate limiting; a failed scan costs one attempt
// regardless of how many secrets were tried.
func (s *TOTPService) Verify(ctx context.Context, owner *domain.Owner, code string) error {
	rows, err := s.Store.Credentials().FindAllByOwnerAndType(ctx, owner.ID, domain.CredentialTypeTOTP)
	if err != nil {
		return fmt.Errorf("list totp credentials: %w", err)
	}

	for _, row := range rows {
		secret, err := openTOTPSecret(row.Secret)
		if err != nil {
			continue
		}
		if s.Verifier.Validate(owner.ID, secret, code) {
			return nil
		}
	}
	return ErrChallengeFailed
}

// Enrollment is the pending state returned from BeginEnrollment. The secret
// is not persisted until the user proves possession with one valid code.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// BeginEnrollment generates a fresh secret into the pending session slot.
// Requires a confirmed sudo window and a password on the account; a
// passwordless account enrolling TOTP would downgrade its only factor.
func (s *TOTPService) BeginEnrollment(ctx context.Context, sess *session.Session, owner *domain.Owner) (*Enrollment, error) {
	if err := s.Sudo.Check(sess, owner.ID); err != nil {
		return nil, err
	}
	if !owner.HasPassword() {
		return nil, ErrForbidden
	}

	secret, url, err := s.Verifier.Generate(owner.Username)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	sess.SetPendingTOTPSecret(secret)
	return &Enrollment{Secret: secret, URL: url}, nil
}

// ConfirmEnrollment persists the pending secret as a credential once the
// user echoes a valid code for it. Without a pending secret this is a
// precondition failure, never a silent no-op. A wrong code leaves the
// pending secret in place for another try. The code check runs inside the
// timebox like every other challenge verification.
func (s *TOTPService) ConfirmEnrollment(ctx context.Context, sess *session.Session, owner *domain.Owner, code, name, ip string) (*domain.Credential, error) {
	pending, ok := sess.PendingTOTPSecret()
	if !ok {
		return nil, ErrPrecondition
	}

	key := limiter.ChallengeKey(limiter.ScopeMFA, owner.Username, ip)

	err := s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithUser(owner.ID).WithScope(limiter.ScopeMFA))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}

		if !s.Verifier.Validate(owner.ID, pending, code) {
			s.Limiter.Hit(key)
			s.Events.Emit(event.New(event.MultiFactorChallengeFailed).WithUser(owner.ID).WithMethod(string(domain.MethodTOTP)))
			return ErrChallengeFailed
		}
		s.Limiter.Clear(key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sealed, err := sealTOTPSecret(pending)
	if err != nil {
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}

	if name == "" {
		name = "Authenticator app"
	}
	row := &domain.Credential{
		ID:      domain.TOTPCredentialID(idx.New().String()),
		OwnerID: owner.ID,
		Type:    domain.CredentialTypeTOTP,
		Name:    name,
		Secret:  sealed,
	}
	if err := s.Store.Credentials().Create(ctx, row); err != nil {
		return nil, fmt.Errorf("store totp credential: %w", err)
	}

	sess.ClearPendingTOTPSecret()
	return row, nil
}
