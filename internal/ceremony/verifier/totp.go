package verifier

import (
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

// TOTP validates time-based one-time codes with a per-identity replay guard:
// once a code step is accepted for an identity, no code from the same or an
// earlier step is accepted again.
type TOTP struct {
	issuer string

	mu       sync.Mutex
	lastStep map[string]int64

	// now is injectable for tests.
	now func() time.Time
}

func NewTOTP(issuer string) *TOTP {
	return &TOTP{
		issuer:   issuer,
		lastStep: make(map[string]int64),
		now:      time.Now,
	}
}

// Generate creates a fresh secret for enrollment and returns the base32
// secret plus the otpauth provisioning URL.
func (t *TOTP) Generate(account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ProvisioningURL rebuilds the otpauth URL for an already generated secret.
func (t *TOTP) ProvisioningURL(account, secret string) string {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Secret:      []byte(secret),
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return ""
	}
	return key.URL()
}

// Validate checks code against secret within one step of skew and records
// the step the code matched under identity. A code for the matched step or
// any earlier one is rejected on subsequent calls, so an intercepted code
// cannot be replayed within its validity window.
func (t *TOTP) Validate(identity, secret, code string) bool {
	now := t.now()

	matched := int64(-1)
	for _, offset := range []int{0, -1, 1} {
		at := now.Add(time.Duration(offset) * totpPeriod * time.Second)
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			matched = at.Unix() / totpPeriod
			break
		}
	}
	if matched < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastStep[identity]; ok && matched <= last {
		return false
	}
	t.lastStep[identity] = matched

	// Bound the replay map; entries older than a few steps are useless.
	if len(t.lastStep) > 4096 {
		for k, v := range t.lastStep {
			if matched-v > 2 {
				delete(t.lastStep, k)
			}
		}
	}
	return true
}
