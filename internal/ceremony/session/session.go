package session

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Session is one browser session's ceremony state. All accessors lock, so a
// double-submit from the same session serializes on the session rather than
// racing.
type Session struct {
	mu        sync.Mutex
	id        string
	expiresAt time.Time
	remember  bool
	state     State
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Remembered reports whether the session was extended past the idle TTL by
// a "remember me" login.
func (s *Session) Remembered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remember
}

// UserID returns the fully authenticated subject, or empty.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID
}

// Authenticate marks the session fully authenticated and wipes every
// in-flight ceremony slot. Callers must also rotate the session ID via the
// manager (anti-fixation).
func (s *Session) Authenticate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.UserID = userID
	s.state.Multifactor = nil
	s.clearWebAuthnSlotsLocked()
}

// SetPartialLogin installs the login.multifactor slot. Any stale WebAuthn
// challenge options are purged first so a challenge issued for a previous
// identity can never be consumed against the new one.
func (s *Session) SetPartialLogin(m MultifactorLogin) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearWebAuthnSlotsLocked()
	s.state.Multifactor = &m
}

// PartialLogin returns the login.multifactor slot if a partial
// authentication is in flight.
func (s *Session) PartialLogin() (MultifactorLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Multifactor == nil || s.state.Multifactor.PartialUserID == "" {
		return MultifactorLogin{}, false
	}
	return *s.state.Multifactor, true
}

// ClearPartialLogin drops the login.multifactor slot as a unit.
func (s *Session) ClearPartialLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Multifactor = nil
}

func (s *Session) clearWebAuthnSlotsLocked() {
	s.state.LoginPasskeyOptions = nil
	s.state.MFAPasskeyOptions = nil
	s.state.RegisterPasskeyOptions = nil
	s.state.RegisterClaimedOwnerID = ""
}

// PutMFAPasskeyOptions stores the mfa.publicKeyChallengeOptions slot.
func (s *Session) PutMFAPasskeyOptions(sd *webauthn.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MFAPasskeyOptions = sd
}

// TakeMFAPasskeyOptions returns and clears the slot. Options are single-use:
// any resolution, success or terminal failure, consumes them.
func (s *Session) TakeMFAPasskeyOptions() (*webauthn.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.state.MFAPasskeyOptions
	s.state.MFAPasskeyOptions = nil
	return sd, sd != nil
}

// PutLoginPasskeyOptions stores the login.passkeyOptions slot.
func (s *Session) PutLoginPasskeyOptions(sd *webauthn.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LoginPasskeyOptions = sd
}

// TakeLoginPasskeyOptions returns and clears the slot.
func (s *Session) TakeLoginPasskeyOptions() (*webauthn.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.state.LoginPasskeyOptions
	s.state.LoginPasskeyOptions = nil
	return sd, sd != nil
}

// PutRegisterPasskeyOptions stores the register.passkeyCreationOptions slot
// together with the claimed owner row's ID.
func (s *Session) PutRegisterPasskeyOptions(ownerID string, sd *webauthn.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.RegisterPasskeyOptions = sd
	s.state.RegisterClaimedOwnerID = ownerID
}

// TakeRegisterPasskeyOptions returns and clears the slot plus the claimed
// owner ID.
func (s *Session) TakeRegisterPasskeyOptions() (string, *webauthn.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.state.RegisterPasskeyOptions
	ownerID := s.state.RegisterClaimedOwnerID
	s.state.RegisterPasskeyOptions = nil
	s.state.RegisterClaimedOwnerID = ""
	return ownerID, sd, sd != nil
}

// SetPendingTOTPSecret stores the mfa.pendingTotpSecret slot. The secret
// stays pending across failed confirmations until confirmed or replaced.
func (s *Session) SetPendingTOTPSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingTOTPSecret = secret
}

func (s *Session) PendingTOTPSecret() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PendingTOTPSecret, s.state.PendingTOTPSecret != ""
}

func (s *Session) ClearPendingTOTPSecret() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingTOTPSecret = ""
}

// SetPendingRecoveryCodes stores the mfa.pendingRecoveryCodes slot.
func (s *Session) SetPendingRecoveryCodes(codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingRecoveryCodes = codes
}

func (s *Session) PendingRecoveryCodes() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.PendingRecoveryCodes) == 0 {
		return nil, false
	}
	return s.state.PendingRecoveryCodes, true
}

func (s *Session) ClearPendingRecoveryCodes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingRecoveryCodes = nil
}

// SudoConfirmedAt returns the sudo.confirmedAt slot.
func (s *Session) SudoConfirmedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SudoConfirmedAt == nil {
		return time.Time{}, false
	}
	return *s.state.SudoConfirmedAt, true
}

// SudoRequiredAt returns the sudo.requiredAt slot.
func (s *Session) SudoRequiredAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SudoRequiredAt == nil {
		return time.Time{}, false
	}
	return *s.state.SudoRequiredAt, true
}

// EnableSudo sets sudo.confirmedAt and clears sudo.requiredAt. The two slots
// are mutually exclusive; a reader never observes both set.
func (s *Session) EnableSudo(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.SudoConfirmedAt = &at
	s.state.SudoRequiredAt = nil
}

// ExpireSudo clears sudo.confirmedAt, then marks sudo.requiredAt.
func (s *Session) ExpireSudo(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.SudoConfirmedAt = nil
	s.state.SudoRequiredAt = &at
}

// RefreshSudo slides the confirmation window forward. No-op when sudo mode
// is not confirmed.
func (s *Session) RefreshSudo(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SudoConfirmedAt != nil {
		s.state.SudoConfirmedAt = &at
	}
}
