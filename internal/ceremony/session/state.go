package session

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

// Slot names are the compatibility surface for any alternative session
// backend sharing state across processes. The typed State below is the
// in-process representation of these slots.
const (
	SlotMultifactor            = "login.multifactor"
	SlotLoginPasskeyOptions    = "login.passkeyOptions"
	SlotMFAPasskeyOptions      = "mfa.publicKeyChallengeOptions"
	SlotRegisterPasskeyOptions = "register.passkeyCreationOptions"
	SlotPendingTOTPSecret      = "mfa.pendingTotpSecret"
	SlotPendingRecoveryCodes   = "mfa.pendingRecoveryCodes"
	SlotSudoConfirmedAt        = "sudo.confirmedAt"
	SlotSudoRequiredAt         = "sudo.requiredAt"
)

// MultifactorLogin is the login.multifactor slot. The presence of
// PartialUserID is the only signal of partial authentication; the slot is
// always written and cleared as a unit.
type MultifactorLogin struct {
	PreferredMethod  domain.ChallengeMethod
	IntendedRedirect string
	Remember         bool
	PartialUserID    string
}

// State holds one session's ceremony slots. It is only accessed through
// Session methods, which serialize access.
type State struct {
	// UserID of the fully authenticated subject, empty for anonymous
	// sessions. Distinct from MultifactorLogin.PartialUserID.
	UserID string

	Multifactor *MultifactorLogin

	// WebAuthn option slots hold the exact SessionData issued by the
	// verifier; they must be replayed unmodified on confirmation and are
	// take-once.
	LoginPasskeyOptions    *webauthn.SessionData
	MFAPasskeyOptions      *webauthn.SessionData
	RegisterPasskeyOptions *webauthn.SessionData

	// RegisterClaimedOwnerID is the owner row created during a passkey
	// registration claim; cancellation must delete that row.
	RegisterClaimedOwnerID string

	PendingTOTPSecret    string
	PendingRecoveryCodes []string

	SudoConfirmedAt *time.Time
	SudoRequiredAt  *time.Time
}
