package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTokenTTL is the default lifetime for session access tokens.
const DefaultSessionTokenTTL = 15 * time.Minute

var (
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Authentication Method Reference values carried in the "amr" claim.
// Resource servers use these to require step-up auth for sensitive actions.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRWebAuthn = "webauthn"
	AMRRecovery = "rc"
	AMRMFA      = "mfa"
)

// Claims are the session access-token claims.
type Claims struct {
	jwt.RegisteredClaims

	// SID is the server-side session identifier the token was minted for.
	SID string `json:"sid,omitempty"`

	// AMR lists the authentication methods that established the session.
	AMR []string `json:"amr,omitempty"`

	// Username of the authenticated account.
	Username string `json:"username,omitempty"`
}

// NewSessionClaims builds minimally-correct claims for a freshly
// authenticated session.
func NewSessionClaims(
	subject, sid, username string,
	amr []string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        newJTI(),
		},
		SID:      sid,
		AMR:      amr,
		Username: username,
	}
}

// newJTI returns a URL-safe random identifier for the "jti" claim.
func newJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateIssuer checks the issuer against an expected value, if any.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected != "" && c.Issuer != expected {
		return ErrIssuer
	}
	return nil
}

// ValidateExpiry ensures the token is within its exp/nbf bounds.
func (c *Claims) ValidateExpiry() error {
	now := time.Now().UTC()

	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return ErrNotYetValid
	}
	return nil
}
