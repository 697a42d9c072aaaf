package domain

import "time"

// Owner is an account that credentials and recovery codes belong to.
type Owner struct {
	ID          string
	Username    string
	DisplayName string

	// PasswordHash is empty for passkey-only (passwordless) accounts.
	PasswordHash string

	// RecoveryCodes is the sealed serialized recovery-code set, nil when the
	// owner has none configured.
	RecoveryCodes []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether the owner can perform password-based flows.
// Passkey-claimed accounts have no password until one is set explicitly.
func (o Owner) HasPassword() bool { return o.PasswordHash != "" }
