package domain

import "encoding/json"

// ChallengeMethod names a second-factor method offered to a partially
// authenticated user.
type ChallengeMethod string

const (
	MethodPublicKey ChallengeMethod = "public_key"
	MethodTOTP      ChallengeMethod = "totp"
	MethodRecovery  ChallengeMethod = "recovery"
)

// LoginResult is returned from a primary authentication attempt. Exactly one
// of the two shapes is populated: a fully authenticated session, or a
// multi-factor challenge that must be completed first.
type LoginResult struct {
	// Authenticated is true when no second factor is owed.
	Authenticated bool `json:"authenticated"`

	// AccessToken is minted only on full authentication.
	AccessToken string `json:"access_token,omitempty"`

	// MFARequired fields.
	MFARequired      bool              `json:"mfa_required,omitempty"`
	AvailableMethods []ChallengeMethod `json:"methods,omitempty"`
	PreferredMethod  ChallengeMethod   `json:"preferred_method,omitempty"`

	// Options carries the WebAuthn request-options payload when the
	// preferred method is public_key. Opaque pass-through to the browser.
	Options json.RawMessage `json:"options,omitempty"`

	RedirectTo string `json:"redirect_to,omitempty"`
}

// ChallengeRequest is a second-factor submission. Which fields are present
// decides the dispatch: a credential blob means a WebAuthn assertion, a code
// means TOTP or recovery (disambiguated by format).
type ChallengeRequest struct {
	Credential json.RawMessage `json:"credential,omitempty"`
	Code       string          `json:"code,omitempty"`
}
