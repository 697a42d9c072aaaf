package domain

import (
	"encoding/base64"
	"time"
)

// CredentialType discriminates multi-factor credential records.
type CredentialType string

const (
	CredentialTypeTOTP      CredentialType = "totp"
	CredentialTypePublicKey CredentialType = "public_key"
)

// ID prefixes per credential type. A PUBLIC_KEY id is derived from the
// authenticator's credential ID so lookup is idempotent without a secondary
// index.
const (
	publicKeyIDPrefix = "pk_"
	totpIDPrefix      = "totp_"
)

// Credential is a persisted multi-factor credential. Secret is an opaque
// sealed blob: the base32 shared key for TOTP, or the serialized public-key
// bundle (key material, signature counter, transports) for PUBLIC_KEY.
// Updates are in-place secret rewrites (e.g. a counter bump), never edits,
// so there is no updated_at.
type Credential struct {
	ID        string
	OwnerID   string
	Type      CredentialType
	Name      string
	Secret    []byte
	CreatedAt time.Time
}

// PublicKeyCredentialID derives the deterministic record ID for a WebAuthn
// credential from its raw credential ID.
func PublicKeyCredentialID(rawID []byte) string {
	return publicKeyIDPrefix + base64.RawURLEncoding.EncodeToString(rawID)
}

// TOTPCredentialID builds a TOTP record ID from a fresh unique suffix.
func TOTPCredentialID(suffix string) string {
	return totpIDPrefix + suffix
}
