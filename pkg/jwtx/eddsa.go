package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs session tokens with an Ed25519 key.
type Signer struct {
	kid string
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// NewEphemeralSigner generates a fresh Ed25519 keypair. Tokens signed with it
// do not survive a restart, which is acceptable for short-lived session
// tokens.
func NewEphemeralSigner(kid string) (*Signer, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate ed25519 key: %w", err)
	}
	return &Signer{kid: kid, key: key, pub: pub}, nil
}

func (s *Signer) KID() string { return s.kid }

// Sign turns claims into a signed compact JWT string.
func (s *Signer) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verifier returns a Verifier for tokens produced by this signer.
func (s *Signer) Verifier(issuer string) *Verifier {
	return &Verifier{kid: s.kid, pub: s.pub, issuer: issuer}
}

// Verifier validates EdDSA-signed session tokens.
type Verifier struct {
	kid    string
	pub    ed25519.PublicKey
	issuer string
}

// Verify validates the JWT string and returns its parsed Claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != v.kid {
			return nil, fmt.Errorf("jwtx: unknown kid %q", kid)
		}
		return v.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse or verify: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("jwtx: invalid token claims")
	}

	if err := claims.ValidateIssuer(v.issuer); err != nil {
		return nil, err
	}
	if err := claims.ValidateExpiry(); err != nil {
		return nil, err
	}
	return claims, nil
}
