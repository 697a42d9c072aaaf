package limiter

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Rate-limit scopes. The key layout is part of the contract: challenge keys
// bind a normalized identity to the caller's network address so neither can
// be rotated independently to reset the counter, while request-volume keys
// are IP-only so identity probing cannot bypass them.
const (
	ScopeLogin    = "login"
	ScopeMFA      = "mfa"
	ScopeSudo     = "sudo"
	ScopeRecovery = "recovery"
)

// ChallengeKey builds `<scope>|<identity>|<ip>` with the identity
// normalized.
func ChallengeKey(scope, identity, ip string) string {
	return scope + "|" + NormalizeIdentity(identity) + "|" + ip
}

// RequestKey builds the IP-only `ip::<ip>` key for request-volume limits.
func RequestKey(ip string) string {
	return "ip::" + ip
}

var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeIdentity lower-cases and transliterates an identity so that
// "José" and "jose" count against the same bucket.
func NormalizeIdentity(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	out, _, err := transform.String(stripMarks, identity)
	if err != nil {
		return identity
	}
	return out
}
