package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/cryptox"
	"github.com/keyfold/keyfold/pkg/idx"
	"github.com/keyfold/keyfold/pkg/jwtx"
)

const minPasswordLength = 10

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._@+-]{3,64}$`)

// RegisterService drives account creation: the password path, and the
// two-phase passkey claim where an owner row is persisted in a claimed state
// before the authenticator attests.
type RegisterService struct {
	Store    store.Store
	Events   *event.Dispatcher
	Passkeys *PasskeyService
	Notifier Notifier

	// Login completes authentication for freshly registered accounts.
	Login *LoginService
}

// RegisterPassword creates a password-backed account and authenticates it.
func (s *RegisterService) RegisterPassword(ctx context.Context, sess *session.Session, username, displayName, password string) (*domain.LoginResult, error) {
	if !usernamePattern.MatchString(username) {
		return nil, validationErr("username", "must be 3-64 characters")
	}
	if len(password) < minPasswordLength {
		return nil, validationErr("password", "too short")
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	owner := &domain.Owner{
		ID:           idx.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
	}
	if err := s.Store.Owners().Create(ctx, owner); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, validationErr("username", "already taken")
		}
		return nil, fmt.Errorf("create owner: %w", err)
	}

	if s.Notifier != nil {
		if err := s.Notifier.VerificationNotice(ctx, owner); err != nil {
			return nil, fmt.Errorf("send verification notice: %w", err)
		}
	}

	return s.Login.completeAuthentication(sess, owner, []string{jwtx.AMRPassword}, "", false)
}

// BeginPasskeyRegistration claims the username with a persisted passwordless
// owner row and issues attestation options scoped to it. The claim is real:
// cancellation must delete the row, not just session state.
func (s *RegisterService) BeginPasskeyRegistration(ctx context.Context, sess *session.Session, username, displayName string) (json.RawMessage, error) {
	if !usernamePattern.MatchString(username) {
		return nil, validationErr("username", "must be 3-64 characters")
	}

	owner := &domain.Owner{
		ID:          idx.New().String(),
		Username:    username,
		DisplayName: displayName,
	}
	if err := s.Store.Owners().Create(ctx, owner); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, validationErr("username", "already taken")
		}
		return nil, fmt.Errorf("claim owner: %w", err)
	}

	options, err := s.Passkeys.IssueCreationOptions(ctx, sess, owner)
	if err != nil {
		// Roll the claim back so the username is not burned by a
		// verifier hiccup.
		_ = s.Store.Owners().Delete(ctx, owner.ID)
		return nil, err
	}
	return options, nil
}

// ConfirmPasskeyRegistration verifies the attestation against the claimed
// owner, persists the credential, and authenticates the new account.
func (s *RegisterService) ConfirmPasskeyRegistration(ctx context.Context, sess *session.Session, body json.RawMessage, name string) (*domain.LoginResult, error) {
	ownerID, sd, ok := sess.TakeRegisterPasskeyOptions()
	if !ok {
		return nil, ErrPrecondition
	}

	owner, err := s.Store.Owners().FindByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPrecondition
		}
		return nil, fmt.Errorf("find claimed owner: %w", err)
	}

	cred, err := s.Passkeys.VerifyCreation(ctx, owner, sd, body)
	if err != nil {
		return nil, err
	}
	if _, err := s.Passkeys.StoreCredential(ctx, owner.ID, name, cred); err != nil {
		return nil, err
	}

	if s.Notifier != nil {
		if err := s.Notifier.VerificationNotice(ctx, owner); err != nil {
			return nil, fmt.Errorf("send verification notice: %w", err)
		}
	}

	return s.Login.completeAuthentication(sess, owner, []string{jwtx.AMRWebAuthn}, "", false)
}

// CancelPasskeyRegistration abandons a claimed registration, deleting the
// claimed owner row. Only valid while options are pending and the session
// has not authenticated as the claimed owner.
func (s *RegisterService) CancelPasskeyRegistration(ctx context.Context, sess *session.Session) error {
	ownerID, _, ok := sess.TakeRegisterPasskeyOptions()
	if !ok {
		return ErrPrecondition
	}
	if sess.UserID() == ownerID {
		return ErrForbidden
	}

	if err := s.Store.Owners().Delete(ctx, ownerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete claimed owner: %w", err)
	}
	return nil
}
