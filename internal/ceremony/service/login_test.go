package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/event"
	"github.com/keyfold/keyfold/pkg/jwtx"
	"github.com/keyfold/keyfold/pkg/timebox"
)

const testIP = "203.0.113.7"

func TestPasswordLoginValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{Password: "x"}, testIP)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "username", verr.Field)

	_, err = env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{Username: "alice"}, testIP)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "password", verr.Field)
}

func TestPasswordLoginUnknownUserFailsGenerically(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.login.PasswordLogin(context.Background(), env.newSession(), PasswordLoginRequest{
		Username: "nobody",
		Password: "whatever123",
	}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	env.drain()
	require.True(t, env.sink.has(event.AuthenticationFailed))
}

func TestPasswordLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.createOwner(t, "alice", "correct horse battery")

	_, err := env.login.PasswordLogin(context.Background(), env.newSession(), PasswordLoginRequest{
		Username: "alice",
		Password: "wrong horse battery",
	}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)
}

func TestPasswordLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	env.createOwner(t, "alice", "correct horse battery")

	req := PasswordLoginRequest{Username: "alice", Password: "wrong"}
	for range 5 {
		_, err := env.login.PasswordLogin(context.Background(), env.newSession(), req, testIP)
		require.ErrorIs(t, err, ErrChallengeFailed)
	}

	// The sixth attempt is refused before any password check, even with
	// the right password.
	_, err := env.login.PasswordLogin(context.Background(), env.newSession(), PasswordLoginRequest{
		Username: "alice",
		Password: "correct horse battery",
	}, testIP)
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	require.Positive(t, rle.RetryAfter)

	env.drain()
	require.True(t, env.sink.has(event.Lockout))
}

func TestPasswordLoginNoSecondFactorAuthenticatesFully(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	sess := env.newSession()
	oldID := sess.ID()

	result, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice",
		Password: "correct horse battery",
		Redirect: "/dashboard",
	}, testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)
	require.False(t, result.MFARequired)
	require.Equal(t, "/dashboard", result.RedirectTo)
	require.NotEmpty(t, result.AccessToken)

	// Session promoted, ID rotated, sudo window open.
	require.Equal(t, owner.ID, sess.UserID())
	require.NotEqual(t, oldID, sess.ID())
	_, confirmed := sess.SudoConfirmedAt()
	require.True(t, confirmed)

	// The token is bound to the rotated session ID.
	claims, err := env.signer.Verifier("keyfold-test").Verify(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, owner.ID, claims.Subject)
	require.Equal(t, sess.ID(), claims.SID)
	require.Equal(t, []string{jwtx.AMRPassword}, claims.AMR)

	env.drain()
	require.True(t, env.sink.has(event.Authenticated))
}

func TestPasswordLoginWithSecondFactorGoesPartial(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollTOTP(t, owner)
	env.storeRecoveryCodes(t, owner, GenerateRecoveryCodes())
	sess := env.newSession()

	result, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice",
		Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)
	require.False(t, result.Authenticated)
	require.True(t, result.MFARequired)
	require.Empty(t, result.AccessToken)
	require.Equal(t, []domain.ChallengeMethod{domain.MethodTOTP, domain.MethodRecovery}, result.AvailableMethods)
	require.Equal(t, domain.MethodTOTP, result.PreferredMethod)

	// Partial, not authenticated.
	require.Empty(t, sess.UserID())
	partial, ok := sess.PartialLogin()
	require.True(t, ok)
	require.Equal(t, owner.ID, partial.PartialUserID)

	env.drain()
	require.True(t, env.sink.has(event.MultiFactorChallenged))
	require.False(t, env.sink.has(event.Authenticated))
}

func TestPasswordLoginPrefersPasskeyChallenge(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollPasskey(t, owner)
	env.enrollTOTP(t, owner)
	sess := env.newSession()

	result, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)
	require.False(t, result.Authenticated)
	require.True(t, result.MFARequired)
	require.Equal(t, []domain.ChallengeMethod{domain.MethodPublicKey, domain.MethodTOTP}, result.AvailableMethods)
	require.Equal(t, domain.MethodPublicKey, result.PreferredMethod)
	require.NotEmpty(t, result.Options)

	// Partial, not authenticated, with assertion options parked.
	require.Empty(t, sess.UserID())
	partial, ok := sess.PartialLogin()
	require.True(t, ok)
	require.Equal(t, owner.ID, partial.PartialUserID)

	sd, ok := sess.TakeMFAPasskeyOptions()
	require.True(t, ok)
	require.NotEmpty(t, sd.Challenge)
}

func TestPasswordLoginRememberExtendsSession(t *testing.T) {
	env := newTestEnv(t)
	env.createOwner(t, "alice", "correct horse battery")

	sess := env.newSession()
	result, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery", Remember: true,
	}, testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)
	require.True(t, sess.Remembered())

	// Without the flag the session stays idle-TTL bound.
	other := env.newSession()
	_, err = env.login.PasswordLogin(context.Background(), other, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)
	require.False(t, other.Remembered())
}

func TestChallengeRememberCarriesThroughPartialLogin(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	secret := env.enrollTOTP(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery", Remember: true,
	}, testIP)
	require.NoError(t, err)
	require.False(t, sess.Remembered(), "partial login must not extend the session yet")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	result, err := env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: code}, testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)
	require.True(t, sess.Remembered())
}

func TestChallengeWithoutPartialLogin(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.login.Challenge(context.Background(), env.newSession(), domain.ChallengeRequest{Code: "123456"}, testIP)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestChallengeRejectsUnrecognizedShape(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollTOTP(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	var verr *ValidationError
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{}, testIP)
	require.ErrorAs(t, err, &verr)

	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: "not-a-code!"}, testIP)
	require.ErrorAs(t, err, &verr)
}

func TestChallengeTOTP(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	secret := env.enrollTOTP(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery", Redirect: "/settings",
	}, testIP)
	require.NoError(t, err)

	// Wrong code costs an attempt and fails generically.
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: "000000"}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	result, err := env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: code}, testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)
	require.Equal(t, "/settings", result.RedirectTo)
	require.Equal(t, owner.ID, sess.UserID())

	claims, err := env.signer.Verifier("keyfold-test").Verify(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMRMFA, jwtx.AMROTP}, claims.AMR)

	// Partial state is gone; replaying the challenge is a precondition
	// failure, not another verification.
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: code}, testIP)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestChallengeTOTPReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	secret := env.enrollTOTP(t, owner)
	sess := env.newSession()

	login := func() {
		_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
			Username: "alice", Password: "correct horse battery",
		}, testIP)
		require.NoError(t, err)
	}

	login()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: code}, testIP)
	require.NoError(t, err)

	// Same still-valid code on a fresh partial login: replay, rejected.
	login()
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: code}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	env.drain()
	require.True(t, env.sink.has(event.MultiFactorChallengeFailed))
}

func TestChallengeFailureIsTimeboxed(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollTOTP(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	const floor = 40 * time.Millisecond
	env.login.Timebox = &timebox.Executor{Min: floor}

	// A wrong code fails fast internally but the response is padded to the
	// floor, same as a full verification would be.
	start := time.Now()
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: "000000"}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)
	require.GreaterOrEqual(t, time.Since(start), floor)
}

func TestChallengeLockout(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollTOTP(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	for range 5 {
		_, err := env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: "000000"}, testIP)
		require.ErrorIs(t, err, ErrChallengeFailed)
	}

	var rle *RateLimitedError
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: "000000"}, testIP)
	require.ErrorAs(t, err, &rle)
}

func TestChallengeRecoveryCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollTOTP(t, owner)
	codes := GenerateRecoveryCodes()
	env.storeRecoveryCodes(t, owner, codes)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	result, err := env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{Code: codes[2]}, testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)

	claims, err := env.signer.Verifier("keyfold-test").Verify(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMRMFA, jwtx.AMRRecovery}, claims.AMR)

	// The consumed code is gone from the persisted set.
	remaining := env.storedRecoveryCodes(t, owner.ID)
	require.Len(t, remaining, RecoveryCodeCount-1)
	require.False(t, ContainsRecoveryCode(remaining, codes[2]))
}

func TestChallengePasskeyGarbageAssertionConsumesOptions(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")

	// Options were never issued (no passkeys on file means the MFA slot
	// stays empty), so a credential-shaped submission is a precondition
	// failure, not a challenge failure.
	env.enrollTOTP(t, owner)
	sess := env.newSession()
	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{
		Credential: json.RawMessage(`{"id":"garbage"}`),
	}, testIP)
	require.ErrorIs(t, err, ErrPrecondition)

	// With options parked manually, a garbage assertion consumes them and
	// fails generically; the retry hits the empty slot.
	sess.PutMFAPasskeyOptions(&webauthn.SessionData{Challenge: "stale"})
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{
		Credential: json.RawMessage(`{"id":"garbage"}`),
	}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	sessData, ok := sess.TakeMFAPasskeyOptions()
	require.False(t, ok)
	require.Nil(t, sessData)
}

func TestMFAOptionsReissueAfterFailedAssertion(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.enrollPasskey(t, owner)
	sess := env.newSession()

	_, err := env.login.PasswordLogin(context.Background(), sess, PasswordLoginRequest{
		Username: "alice", Password: "correct horse battery",
	}, testIP)
	require.NoError(t, err)

	// A failed assertion consumes the parked options.
	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{
		Credential: json.RawMessage(`{"id":"garbage"}`),
	}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	// While the partial login is alive the challenge can be re-issued, so
	// the next attempt reaches verification instead of a dead end.
	options, err := env.login.MFAOptions(context.Background(), sess)
	require.NoError(t, err)
	require.NotEmpty(t, options)

	_, err = env.login.Challenge(context.Background(), sess, domain.ChallengeRequest{
		Credential: json.RawMessage(`{"id":"garbage"}`),
	}, testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)
	require.NotErrorIs(t, err, ErrPrecondition)
}

func TestMFAOptionsWithoutPartialLogin(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.login.MFAOptions(context.Background(), env.newSession())
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestIssueMFAOptionsNilWithoutPasskeys(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")

	options, err := env.passkeys.IssueMFAOptions(context.Background(), env.newSession(), owner)
	require.NoError(t, err)
	require.Nil(t, options)
}

func TestPasskeyLoginOptionsAreTakeOnce(t *testing.T) {
	env := newTestEnv(t)
	sess := env.newSession()

	options, err := env.login.PasskeyLoginOptions(sess)
	require.NoError(t, err)
	require.NotEmpty(t, options)

	// A garbage assertion consumes the options and fails generically.
	_, err = env.login.PasskeyLogin(context.Background(), sess, json.RawMessage(`{}`), testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	// Second submission finds no options.
	_, err = env.login.PasskeyLogin(context.Background(), sess, json.RawMessage(`{}`), testIP)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestRecoverAccount(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	codes := GenerateRecoveryCodes()
	env.storeRecoveryCodes(t, owner, codes)
	sess := env.newSession()

	result, err := env.login.RecoverAccount(context.Background(), sess, "alice", codes[0], testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)
	require.Equal(t, owner.ID, sess.UserID())

	_, confirmed := sess.SudoConfirmedAt()
	require.True(t, confirmed)

	claims, err := env.signer.Verifier("keyfold-test").Verify(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{jwtx.AMRRecovery}, claims.AMR)

	remaining := env.storedRecoveryCodes(t, owner.ID)
	require.Len(t, remaining, RecoveryCodeCount-1)
	require.False(t, ContainsRecoveryCode(remaining, codes[0]))

	env.drain()
	require.True(t, env.sink.has(event.AccountRecovered))
}

func TestRecoverAccountNormalizesCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "")
	env.storeRecoveryCodes(t, owner, []string{"PIPIM-7LTUT", "AAAAA-BBBBB"})

	result, err := env.login.RecoverAccount(context.Background(), env.newSession(), "alice", "pipim 7ltut", testIP)
	require.NoError(t, err)
	require.True(t, result.Authenticated)

	remaining := env.storedRecoveryCodes(t, owner.ID)
	require.Equal(t, []string{"AAAAA-BBBBB"}, remaining)
}

func TestRecoverAccountWrongCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createOwner(t, "alice", "correct horse battery")
	env.storeRecoveryCodes(t, owner, GenerateRecoveryCodes())

	_, err := env.login.RecoverAccount(context.Background(), env.newSession(), "alice", "ZZZZZ-ZZZZ2", testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	// Unknown account looks identical.
	_, err = env.login.RecoverAccount(context.Background(), env.newSession(), "nobody", "ZZZZZ-ZZZZ2", testIP)
	require.ErrorIs(t, err, ErrChallengeFailed)

	require.Len(t, env.storedRecoveryCodes(t, owner.ID), RecoveryCodeCount)

	env.drain()
	require.True(t, env.sink.has(event.AccountRecoveryFailed))
}
