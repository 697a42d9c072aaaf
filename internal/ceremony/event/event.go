package event

import "time"

// Type names a domain event emitted by the ceremony layer.
type Type string

const (
	Authenticated              Type = "authenticated"
	AuthenticationFailed       Type = "authentication_failed"
	MultiFactorChallenged      Type = "multifactor_challenged"
	MultiFactorChallengeFailed Type = "multifactor_challenge_failed"
	SudoModeChallenged         Type = "sudo_mode_challenged"
	SudoModeEnabled            Type = "sudo_mode_enabled"
	RecoveryCodesGenerated     Type = "recovery_codes_generated"
	AccountRecovered           Type = "account_recovered"
	AccountRecoveryFailed      Type = "account_recovery_failed"
	Lockout                    Type = "lockout"
)

// Event is an observability record. UserID may be empty when the subject is
// unknown (e.g. a lockout keyed only by IP); Method identifies the credential
// type involved in challenge events; Scope identifies the rate-limit scope
// for lockouts.
type Event struct {
	Type   Type
	UserID string
	Method string
	Scope  string
	At     time.Time
}

func New(t Type) Event {
	return Event{Type: t, At: time.Now().UTC()}
}

func (e Event) WithUser(id string) Event {
	e.UserID = id
	return e
}

func (e Event) WithMethod(method string) Event {
	e.Method = method
	return e
}

func (e Event) WithScope(scope string) Event {
	e.Scope = scope
	return e
}
