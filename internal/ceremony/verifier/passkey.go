// Package verifier wraps the third-party credential verification libraries
// behind ceremony-shaped interfaces. Services never touch the libraries
// directly.
package verifier

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

// ErrClonedAuthenticator is returned when an assertion's signature counter
// indicates the credential private key exists on more than one device.
var ErrClonedAuthenticator = errors.New("verifier: authenticator clone detected")

// PasskeyConfig identifies the relying party.
type PasskeyConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Passkey verifies WebAuthn registration and authentication ceremonies.
type Passkey struct {
	wa *webauthn.WebAuthn
}

func NewPasskey(cfg PasskeyConfig) (*Passkey, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Passkey{wa: wa}, nil
}

// passkeyUser adapts an owner and their decoded credentials to the library's
// user interface.
type passkeyUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u passkeyUser) WebAuthnID() []byte                         { return u.id }
func (u passkeyUser) WebAuthnName() string                       { return u.name }
func (u passkeyUser) WebAuthnDisplayName() string                { return u.displayName }
func (u passkeyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func newPasskeyUser(o *domain.Owner, creds []webauthn.Credential) passkeyUser {
	name := o.DisplayName
	if name == "" {
		name = o.Username
	}
	return passkeyUser{
		id:          []byte(o.ID),
		name:        o.Username,
		displayName: name,
		credentials: creds,
	}
}

// GenerateCreationOptions begins a registration ceremony. Existing
// credentials become the exclude list so an authenticator is not enrolled
// twice.
func (p *Passkey) GenerateCreationOptions(o *domain.Owner, existing []webauthn.Credential) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	user := newPasskeyUser(o, existing)

	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range existing {
		exclusions = append(exclusions, c.Descriptor())
	}

	return p.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	)
}

// GenerateRequestOptions begins an authentication ceremony scoped to a known
// owner's credentials.
func (p *Passkey) GenerateRequestOptions(o *domain.Owner, creds []webauthn.Credential) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return p.wa.BeginLogin(newPasskeyUser(o, creds))
}

// GenerateDiscoverableOptions begins an authentication ceremony with an
// empty allow list, letting the authenticator pick the credential.
func (p *Passkey) GenerateDiscoverableOptions() (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return p.wa.BeginDiscoverableLogin()
}

// VerifyAttestation completes a registration ceremony against the exact
// options issued earlier and returns the new credential.
func (p *Passkey) VerifyAttestation(o *domain.Owner, existing []webauthn.Credential, sd *webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return p.wa.CreateCredential(newPasskeyUser(o, existing), *sd, parsed)
}

// VerifyAssertion completes an authentication ceremony. The returned
// credential carries the authenticator's updated signature counter; callers
// must persist it.
func (p *Passkey) VerifyAssertion(o *domain.Owner, creds []webauthn.Credential, sd *webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	cred, err := p.wa.ValidateLogin(newPasskeyUser(o, creds), *sd, parsed)
	if err != nil {
		return nil, err
	}
	if cred.Authenticator.CloneWarning {
		return nil, ErrClonedAuthenticator
	}
	return cred, nil
}

// OwnerLookup resolves the asserted credential to an owner and the owner's
// decoded credentials during a discoverable ceremony.
type OwnerLookup func(rawID, userHandle []byte) (*domain.Owner, []webauthn.Credential, error)

// VerifyDiscoverableAssertion completes a username-less authentication
// ceremony, resolving the owner through lookup.
func (p *Passkey) VerifyDiscoverableAssertion(lookup OwnerLookup, sd *webauthn.SessionData, body []byte) (*domain.Owner, *webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}

	var matched *domain.Owner
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		o, creds, err := lookup(rawID, userHandle)
		if err != nil {
			return nil, err
		}
		matched = o
		return newPasskeyUser(o, creds), nil
	}

	cred, err := p.wa.ValidateDiscoverableLogin(handler, *sd, parsed)
	if err != nil {
		return nil, nil, err
	}
	if cred.Authenticator.CloneWarning {
		return nil, nil, ErrClonedAuthenticator
	}
	return matched, cred, nil
}
