package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/internal/ceremony/limiter"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/cryptox"
	"github.com/keyfold/keyfold/pkg/jwtx"
	"github.com/keyfold/keyfold/pkg/timebox"
)

// LoginService drives primary authentication and the multi-factor
// challenge/response cycle that may follow it.
type LoginService struct {
	Store       store.Store
	Limiter     *limiter.Limiter
	Timebox     *timebox.Executor
	Events      *event.Dispatcher
	Signer      *jwtx.Signer
	Issuer      string
	TokenTTL    time.Duration
	MaxAttempts int

	// Sessions rotates session IDs on privilege changes.
	Sessions *session.Manager

	Passkeys *PasskeyService
	TOTP     *TOTPService
	Recovery *RecoveryService
	Sudo     *SudoService
}

// PasswordLoginRequest is a primary authentication attempt.
type PasswordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Redirect string `json:"redirect,omitempty"`
	Remember bool   `json:"remember,omitempty"`
}

func (s *LoginService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return limiter.DefaultMaxAttempts
}

func (s *LoginService) tokenTTL() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return jwtx.DefaultSessionTokenTTL
}

// PasswordLogin verifies the password and either completes authentication or
// initiates a multi-factor challenge. The whole attempt runs inside the
// timebox so the "MFA owed" and "no MFA" paths are indistinguishable by
// latency from each other and from a failure.
func (s *LoginService) PasswordLogin(ctx context.Context, sess *session.Session, req PasswordLoginRequest, ip string) (*domain.LoginResult, error) {
	if req.Username == "" {
		return nil, validationErr("username", "required")
	}
	if req.Password == "" {
		return nil, validationErr("password", "required")
	}

	key := limiter.ChallengeKey(limiter.ScopeLogin, req.Username, ip)

	var result *domain.LoginResult
	err := s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithScope(limiter.ScopeLogin))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}

		owner, err := s.Store.Owners().FindByUsername(ctx, req.Username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Limiter.Hit(key)
				s.Events.Emit(event.New(event.AuthenticationFailed))
				return ErrChallengeFailed
			}
			return fmt.Errorf("find owner: %w", err)
		}

		if !owner.HasPassword() || cryptox.VerifyPassword(req.Password, owner.PasswordHash) != nil {
			s.Limiter.Hit(key)
			s.Events.Emit(event.New(event.AuthenticationFailed).WithUser(owner.ID))
			return ErrChallengeFailed
		}
		s.Limiter.Clear(key)

		result, err = s.initiate(ctx, sess, owner, req.Redirect, req.Remember)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// initiate decides, after the password check, whether a second factor is
// owed. With no multi-factor credentials on file the owner authenticates
// fully; otherwise partial state is installed and the preferred challenge is
// issued.
func (s *LoginService) initiate(ctx context.Context, sess *session.Session, owner *domain.Owner, redirect string, remember bool) (*domain.LoginResult, error) {
	creds, err := s.Store.Credentials().FindAllByOwner(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	if len(creds) == 0 {
		return s.completeAuthentication(sess, owner, []string{jwtx.AMRPassword}, redirect, remember)
	}

	methods := availableMethods(creds, owner)
	preferred := methods[0]

	sess.SetPartialLogin(session.MultifactorLogin{
		PreferredMethod:  preferred,
		IntendedRedirect: redirect,
		Remember:         remember,
		PartialUserID:    owner.ID,
	})

	result := &domain.LoginResult{
		MFARequired:      true,
		AvailableMethods: methods,
		PreferredMethod:  preferred,
	}

	if preferred == domain.MethodPublicKey {
		options, err := s.Passkeys.IssueMFAOptions(ctx, sess, owner)
		if err != nil {
			return nil, err
		}
		result.Options = options
	}

	s.Events.Emit(event.New(event.MultiFactorChallenged).WithUser(owner.ID).WithMethod(string(preferred)))
	return result, nil
}

// availableMethods lists the second-factor methods the owner can answer
// with, preferred first: PUBLIC_KEY over TOTP, recovery always last.
func availableMethods(creds []domain.Credential, owner *domain.Owner) []domain.ChallengeMethod {
	var hasPK, hasTOTP bool
	for _, c := range creds {
		switch c.Type {
		case domain.CredentialTypePublicKey:
			hasPK = true
		case domain.CredentialTypeTOTP:
			hasTOTP = true
		}
	}

	var methods []domain.ChallengeMethod
	if hasPK {
		methods = append(methods, domain.MethodPublicKey)
	}
	if hasTOTP {
		methods = append(methods, domain.MethodTOTP)
	}
	if len(owner.RecoveryCodes) > 0 {
		methods = append(methods, domain.MethodRecovery)
	}
	return methods
}

// Challenge verifies a second-factor submission against the partially
// authenticated owner. Dispatch is by request shape: a credential blob means
// a WebAuthn assertion, a 6-digit code means TOTP, a recovery-format code
// means a recovery code. Verification runs inside the timebox so a fast
// failure (malformed assertion, missing credential) is indistinguishable by
// latency from a full verification.
func (s *LoginService) Challenge(ctx context.Context, sess *session.Session, req domain.ChallengeRequest, ip string) (*domain.LoginResult, error) {
	partial, ok := sess.PartialLogin()
	if !ok {
		return nil, ErrPrecondition
	}

	owner, err := s.Store.Owners().FindByID(ctx, partial.PartialUserID)
	if err != nil {
		return nil, fmt.Errorf("find partial owner: %w", err)
	}

	method, code, err := classifyChallenge(req)
	if err != nil {
		return nil, err
	}

	key := limiter.ChallengeKey(limiter.ScopeMFA, owner.Username, ip)

	var result *domain.LoginResult
	err = s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithUser(owner.ID).WithScope(limiter.ScopeMFA))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}

		var verifyErr error
		switch method {
		case domain.MethodPublicKey:
			verifyErr = s.Passkeys.ConfirmMFA(ctx, sess, owner, req.Credential)
		case domain.MethodTOTP:
			verifyErr = s.TOTP.Verify(ctx, owner, code)
		case domain.MethodRecovery:
			verifyErr = s.Recovery.Consume(ctx, owner, code)
		}

		if verifyErr != nil {
			// A missing-state precondition is not an
			// attacker-controlled signal and never counts against the
			// limiter.
			if errors.Is(verifyErr, ErrPrecondition) {
				return verifyErr
			}
			if errors.Is(verifyErr, ErrChallengeFailed) {
				s.Limiter.Hit(key)
				s.Events.Emit(event.New(event.MultiFactorChallengeFailed).WithUser(owner.ID).WithMethod(string(method)))
			}
			return verifyErr
		}
		s.Limiter.Clear(key)

		amr := []string{jwtx.AMRPassword, jwtx.AMRMFA, amrForMethod(method)}
		result, verifyErr = s.completeAuthentication(sess, owner, amr, partial.IntendedRedirect, partial.Remember)
		return verifyErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MFAOptions re-issues the WebAuthn challenge for an in-flight partial
// login, so a failed assertion (which consumes the parked options) does not
// dead-end the ceremony. Returns nil options when the partial owner has no
// passkeys on file.
func (s *LoginService) MFAOptions(ctx context.Context, sess *session.Session) (json.RawMessage, error) {
	partial, ok := sess.PartialLogin()
	if !ok {
		return nil, ErrPrecondition
	}

	owner, err := s.Store.Owners().FindByID(ctx, partial.PartialUserID)
	if err != nil {
		return nil, fmt.Errorf("find partial owner: %w", err)
	}
	return s.Passkeys.IssueMFAOptions(ctx, sess, owner)
}

func amrForMethod(m domain.ChallengeMethod) string {
	switch m {
	case domain.MethodPublicKey:
		return jwtx.AMRWebAuthn
	case domain.MethodTOTP:
		return jwtx.AMROTP
	default:
		return jwtx.AMRRecovery
	}
}

var (
	totpCodePattern = regexp.MustCompile(`^[0-9]{6}$`)
	recoveryPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)
)

// classifyChallenge picks the challenge strategy from the request shape.
// Exactly six digits is a TOTP code; anything normalizing to ten uppercase
// alphanumerics is a recovery code. Generated recovery codes always contain
// letters, so the two formats cannot collide.
func classifyChallenge(req domain.ChallengeRequest) (domain.ChallengeMethod, string, error) {
	if len(req.Credential) > 0 {
		return domain.MethodPublicKey, "", nil
	}
	if req.Code == "" {
		return "", "", validationErr("code", "required")
	}

	if totpCodePattern.MatchString(req.Code) {
		return domain.MethodTOTP, req.Code, nil
	}

	normalized := NormalizeRecoveryCode(req.Code)
	if recoveryPattern.MatchString(normalized) {
		return domain.MethodRecovery, normalized, nil
	}
	return "", "", validationErr("code", "unrecognized format")
}

// completeAuthentication promotes the session to fully authenticated:
// rotates the session ID, wipes ceremony slots, enables sudo mode, emits
// Authenticated, and mints the access token bound to the rotated ID. The
// HTTP layer re-sends the cookie when it sees an authenticated result.
// A remembered login extends the session past the idle TTL.
func (s *LoginService) completeAuthentication(sess *session.Session, owner *domain.Owner, amr []string, redirect string, remember bool) (*domain.LoginResult, error) {
	s.Sessions.RotateID(sess)
	sess.Authenticate(owner.ID)
	if remember {
		s.Sessions.Remember(sess)
	}
	s.Sudo.Enable(sess, owner.ID)
	s.Events.Emit(event.New(event.Authenticated).WithUser(owner.ID))

	now := time.Now().UTC()
	claims := jwtx.NewSessionClaims(owner.ID, sess.ID(), owner.Username, amr, s.tokenTTL(), s.Issuer, now)
	token, err := s.Signer.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &domain.LoginResult{
		Authenticated: true,
		AccessToken:   token,
		RedirectTo:    redirect,
	}, nil
}

// PasskeyLoginOptions issues discoverable assertion options for
// passwordless login.
func (s *LoginService) PasskeyLoginOptions(sess *session.Session) (json.RawMessage, error) {
	return s.Passkeys.IssueLoginOptions(sess)
}

// PasskeyLogin completes a passwordless login from a discoverable
// assertion. Throttled by IP only, since no identity is claimed until the
// assertion verifies.
func (s *LoginService) PasskeyLogin(ctx context.Context, sess *session.Session, body json.RawMessage, ip string) (*domain.LoginResult, error) {
	key := limiter.RequestKey(ip)
	if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
		s.Events.Emit(event.New(event.Lockout).WithScope(limiter.ScopeLogin))
		return nil, &RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)}
	}

	owner, err := s.Passkeys.ConfirmLogin(ctx, sess, body)
	if err != nil {
		if errors.Is(err, ErrChallengeFailed) {
			s.Limiter.Hit(key)
			s.Events.Emit(event.New(event.AuthenticationFailed))
		}
		return nil, err
	}
	s.Limiter.Clear(key)

	return s.completeAuthentication(sess, owner, []string{jwtx.AMRWebAuthn}, "", false)
}

// RecoverAccount completes an account-recovery ceremony: one stored
// recovery code buys a fully authenticated session with sudo mode enabled.
// The consumed code is removed from the persisted set.
func (s *LoginService) RecoverAccount(ctx context.Context, sess *session.Session, username, code, ip string) (*domain.LoginResult, error) {
	if username == "" {
		return nil, validationErr("username", "required")
	}
	if code == "" {
		return nil, validationErr("code", "required")
	}

	key := limiter.ChallengeKey(limiter.ScopeRecovery, username, ip)

	var result *domain.LoginResult
	err := s.Timebox.Run(ctx, func(ctx context.Context) error {
		if s.Limiter.TooManyAttempts(key, s.maxAttempts()) {
			s.Events.Emit(event.New(event.Lockout).WithScope(limiter.ScopeRecovery))
			return timebox.Skip(&RateLimitedError{RetryAfter: s.Limiter.AvailableIn(key)})
		}

		owner, err := s.Store.Owners().FindByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Limiter.Hit(key)
				s.Events.Emit(event.New(event.AccountRecoveryFailed))
				return ErrChallengeFailed
			}
			return fmt.Errorf("find owner: %w", err)
		}

		if err := s.Recovery.Consume(ctx, owner, code); err != nil {
			if errors.Is(err, ErrChallengeFailed) {
				s.Limiter.Hit(key)
				s.Events.Emit(event.New(event.AccountRecoveryFailed).WithUser(owner.ID))
			}
			return err
		}
		s.Limiter.Clear(key)
		s.Events.Emit(event.New(event.AccountRecovered).WithUser(owner.ID))

		result, err = s.completeAuthentication(sess, owner, []string{jwtx.AMRRecovery}, "", false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// marshalOptions renders a verifier options payload for pass-through to the
// browser.
func marshalOptions(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	return raw, nil
}
