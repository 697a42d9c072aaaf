package service

import (
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/pkg/cryptox"
)

// Credential secrets are sealed before they hit the store: a passkey secret
// is the JSON-serialized webauthn.Credential (public key, sign counter,
// transports), a TOTP secret is the base32 key.

func sealPasskey(cred *webauthn.Credential) ([]byte, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("marshal passkey: %w", err)
	}
	return cryptox.SealSecret(raw)
}

func openPasskey(sealed []byte) (*webauthn.Credential, error) {
	raw, err := cryptox.OpenSecret(sealed)
	if err != nil {
		return nil, fmt.Errorf("open passkey secret: %w", err)
	}
	var cred webauthn.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal passkey: %w", err)
	}
	return &cred, nil
}

func sealTOTPSecret(secret string) ([]byte, error) {
	return cryptox.SealSecret([]byte(secret))
}

func openTOTPSecret(sealed []byte) (string, error) {
	raw, err := cryptox.OpenSecret(sealed)
	if err != nil {
		return "", fmt.Errorf("open totp secret: %w", err)
	}
	return string(raw), nil
}

// openPasskeys decodes every PUBLIC_KEY row, skipping rows whose blob no
// longer opens (e.g. after a master-key rotation gone wrong) rather than
// failing the whole ceremony.
func openPasskeys(rows []domain.Credential) []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := openPasskey(row.Secret)
		if err != nil {
			continue
		}
		out = append(out, *cred)
	}
	return out
}

func sealRecoveryCodes(codes []string) ([]byte, error) {
	raw, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("marshal recovery codes: %w", err)
	}
	return cryptox.SealSecret(raw)
}

func openRecoveryCodes(sealed []byte) ([]string, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	raw, err := cryptox.OpenSecret(sealed)
	if err != nil {
		return nil, fmt.Errorf("open recovery codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("unmarshal recovery codes: %w", err)
	}
	return codes, nil
}
