package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/internal/ceremony/verifier"
)

// PasskeyService is the WebAuthn challenge strategy, covering the MFA
// assertion, the passwordless (discoverable) assertion, and the attestation
// leg of registration. Options issued here are stored verbatim in the
// session and consumed exactly once.
type PasskeyService struct {
	Store    store.Store
	Verifier *verifier.Passkey
}

// loadPasskeys returns the owner's PUBLIC_KEY rows and their decoded
// credential bundles.
func (s *PasskeyService) loadPasskeys(ctx context.Context, ownerID string) ([]domain.Credential, []webauthn.Credential, error) {
	rows, err := s.Store.Credentials().FindAllByOwnerAndType(ctx, ownerID, domain.CredentialTypePublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("list passkeys: %w", err)
	}
	return rows, openPasskeys(rows), nil
}

// IssueMFAOptions builds assertion options scoped to the owner's passkeys
// and parks them in the mfa options slot. Returns nil options when the owner
// has no passkeys; the caller treats that as "method unavailable", not an
// error.
func (s *PasskeyService) IssueMFAOptions(ctx context.Context, sess *session.Session, owner *domain.Owner) (json.RawMessage, error) {
	_, creds, err := s.loadPasskeys(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}

	options, sd, err := s.Verifier.GenerateRequestOptions(owner, creds)
	if err != nil {
		return nil, fmt.Errorf("generate request options: %w", err)
	}

	sess.PutMFAPasskeyOptions(sd)
	return marshalOptions(options)
}

// ConfirmMFA verifies an assertion against the stored options. The options
// slot is consumed before verification, so the same challenge can never be
// answered twice. All verifier failures, malformed input included, collapse
// into the one generic challenge failure.
func (s *PasskeyService) ConfirmMFA(ctx context.Context, sess *session.Session, owner *domain.Owner, body json.RawMessage) error {
	sd, ok := sess.TakeMFAPasskeyOptions()
	if !ok {
		return ErrPrecondition
	}

	rows, creds, err := s.loadPasskeys(ctx, owner.ID)
	if err != nil {
		return err
	}

	cred, err := s.Verifier.VerifyAssertion(owner, creds, sd, body)
	if err != nil {
		return ErrChallengeFailed
	}
	return s.writeBackCounter(ctx, rows, cred)
}

// writeBackCounter persists the verified assertion's updated signature
// counter with a compare-and-set against the blob the assertion was verified
// under. A lost race means another assertion for the same counter landed
// concurrently; that is a replay, not a storage error.
func (s *PasskeyService) writeBackCounter(ctx context.Context, rows []domain.Credential, cred *webauthn.Credential) error {
	id := domain.PublicKeyCredentialID(cred.ID)

	var old []byte
	for _, row := range rows {
		if row.ID == id {
			old = row.Secret
			break
		}
	}
	if old == nil {
		return ErrChallengeFailed
	}

	sealed, err := sealPasskey(cred)
	if err != nil {
		return fmt.Errorf("seal passkey: %w", err)
	}

	swapped, err := s.Store.Credentials().UpdateSecretCAS(ctx, id, old, sealed)
	if err != nil {
		return fmt.Errorf("update sign counter: %w", err)
	}
	if !swapped {
		return ErrChallengeFailed
	}
	return nil
}

// IssueLoginOptions builds discoverable assertion options for passwordless
// login and parks them in the login options slot.
func (s *PasskeyService) IssueLoginOptions(sess *session.Session) (json.RawMessage, error) {
	options, sd, err := s.Verifier.GenerateDiscoverableOptions()
	if err != nil {
		return nil, fmt.Errorf("generate discoverable options: %w", err)
	}

	sess.PutLoginPasskeyOptions(sd)
	return marshalOptions(options)
}

// ConfirmLogin verifies a discoverable assertion and resolves which owner
// answered it.
func (s *PasskeyService) ConfirmLogin(ctx context.Context, sess *session.Session, body json.RawMessage) (*domain.Owner, error) {
	sd, ok := sess.TakeLoginPasskeyOptions()
	if !ok {
		return nil, ErrPrecondition
	}

	var rows []domain.Credential
	lookup := func(rawID, userHandle []byte) (*domain.Owner, []webauthn.Credential, error) {
		row, err := s.Store.Credentials().Find(ctx, domain.PublicKeyCredentialID(rawID))
		if err != nil {
			return nil, nil, err
		}
		owner, err := s.Store.Owners().FindByID(ctx, row.OwnerID)
		if err != nil {
			return nil, nil, err
		}
		var creds []webauthn.Credential
		rows, creds, err = s.loadPasskeys(ctx, owner.ID)
		return owner, creds, err
	}

	owner, cred, err := s.Verifier.VerifyDiscoverableAssertion(lookup, sd, body)
	if err != nil {
		return nil, ErrChallengeFailed
	}
	if err := s.writeBackCounter(ctx, rows, cred); err != nil {
		return nil, err
	}
	return owner, nil
}

// IssueCreationOptions builds attestation options for enrolling a new
// passkey on owner, excluding already-enrolled credentials, and parks them
// in the registration options slot together with the owner's ID.
func (s *PasskeyService) IssueCreationOptions(ctx context.Context, sess *session.Session, owner *domain.Owner) (json.RawMessage, error) {
	_, existing, err := s.loadPasskeys(ctx, owner.ID)
	if err != nil {
		return nil, err
	}

	options, sd, err := s.Verifier.GenerateCreationOptions(owner, existing)
	if err != nil {
		return nil, fmt.Errorf("generate creation options: %w", err)
	}

	sess.PutRegisterPasskeyOptions(owner.ID, sd)
	return marshalOptions(options)
}

// VerifyCreation checks an attestation response against stored options and
// returns the new credential bundle.
func (s *PasskeyService) VerifyCreation(ctx context.Context, owner *domain.Owner, sd *webauthn.SessionData, body json.RawMessage) (*webauthn.Credential, error) {
	_, existing, err := s.loadPasskeys(ctx, owner.ID)
	if err != nil {
		return nil, err
	}

	cred, err := s.Verifier.VerifyAttestation(owner, existing, sd, body)
	if err != nil {
		return nil, ErrChallengeFailed
	}
	return cred, nil
}

// StoreCredential persists a freshly attested passkey under its
// deterministic record ID.
func (s *PasskeyService) StoreCredential(ctx context.Context, ownerID, name string, cred *webauthn.Credential) (*domain.Credential, error) {
	sealed, err := sealPasskey(cred)
	if err != nil {
		return nil, fmt.Errorf("seal passkey: %w", err)
	}

	row := &domain.Credential{
		ID:      domain.PublicKeyCredentialID(cred.ID),
		OwnerID: ownerID,
		Type:    domain.CredentialTypePublicKey,
		Name:    name,
		Secret:  sealed,
	}
	if err := s.Store.Credentials().Create(ctx, row); err != nil {
		return nil, fmt.Errorf("store passkey: %w", err)
	}
	return row, nil
}
