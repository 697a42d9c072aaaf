package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	st, err := NewStore(dsn)
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newOwner(username, hash string) *domain.Owner {
	return &domain.Owner{
		ID:           idx.New().String(),
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
	}
}

func newCredential(ownerID string, typ domain.CredentialType) *domain.Credential {
	return &domain.Credential{
		ID:      idx.New().String(),
		OwnerID: ownerID,
		Type:    typ,
		Name:    "test credential",
		Secret:  []byte("sealed"),
	}
}

func TestOwnersCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "hash")
	require.NoError(t, st.Owners().Create(ctx, owner))
	require.False(t, owner.CreatedAt.IsZero())

	byID, err := st.Owners().FindByID(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", byID.Username)
	require.Equal(t, "hash", byID.PasswordHash)

	byName, err := st.Owners().FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, owner.ID, byName.ID)

	_, err = st.Owners().FindByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Owners().UpdatePasswordHash(ctx, owner.ID, "hash2"))
	require.NoError(t, st.Owners().UpdateRecoveryCodes(ctx, owner.ID, []byte("sealed-codes")))

	byID, err = st.Owners().FindByID(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, "hash2", byID.PasswordHash)
	require.Equal(t, []byte("sealed-codes"), byID.RecoveryCodes)

	require.NoError(t, st.Owners().Delete(ctx, owner.ID))
	require.ErrorIs(t, st.Owners().Delete(ctx, owner.ID), store.ErrNotFound)
}

func TestOwnersDuplicateUsername(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Owners().Create(ctx, newOwner("alice", "h")))
	require.ErrorIs(t, st.Owners().Create(ctx, newOwner("alice", "h")), store.ErrAlreadyExists)
}

func TestOwnersPasswordlessRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "")
	require.NoError(t, st.Owners().Create(ctx, owner))

	got, err := st.Owners().FindByID(ctx, owner.ID)
	require.NoError(t, err)
	require.Empty(t, got.PasswordHash)
	require.False(t, got.HasPassword())
}

func TestCredentialsCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "h")
	require.NoError(t, st.Owners().Create(ctx, owner))

	pk := newCredential(owner.ID, domain.CredentialTypePublicKey)
	tot := newCredential(owner.ID, domain.CredentialTypeTOTP)
	require.NoError(t, st.Credentials().Create(ctx, pk))
	require.NoError(t, st.Credentials().Create(ctx, tot))

	got, err := st.Credentials().Find(ctx, pk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CredentialTypePublicKey, got.Type)
	require.Equal(t, []byte("sealed"), got.Secret)

	all, err := st.Credentials().FindAllByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyTOTP, err := st.Credentials().FindAllByOwnerAndType(ctx, owner.ID, domain.CredentialTypeTOTP)
	require.NoError(t, err)
	require.Len(t, onlyTOTP, 1)
	require.Equal(t, tot.ID, onlyTOTP[0].ID)

	require.NoError(t, st.Credentials().Delete(ctx, pk.ID))
	_, err = st.Credentials().Find(ctx, pk.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, st.Credentials().Delete(ctx, pk.ID), store.ErrNotFound)
}

func TestCredentialsForeignKeyEnforced(t *testing.T) {
	st := newTestStore(t)

	err := st.Credentials().Create(context.Background(), newCredential("no-such-owner", domain.CredentialTypeTOTP))
	require.Error(t, err)
}

func TestCredentialsCascadeOnOwnerDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "h")
	require.NoError(t, st.Owners().Create(ctx, owner))
	cred := newCredential(owner.ID, domain.CredentialTypePublicKey)
	require.NoError(t, st.Credentials().Create(ctx, cred))

	require.NoError(t, st.Owners().Delete(ctx, owner.ID))

	_, err := st.Credentials().Find(ctx, cred.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSecretCAS(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "h")
	require.NoError(t, st.Owners().Create(ctx, owner))
	cred := newCredential(owner.ID, domain.CredentialTypePublicKey)
	require.NoError(t, st.Credentials().Create(ctx, cred))

	swapped, err := st.Credentials().UpdateSecretCAS(ctx, cred.ID, []byte("sealed"), []byte("sealed-v2"))
	require.NoError(t, err)
	require.True(t, swapped)

	// The expected blob is stale now; the swap is refused.
	swapped, err = st.Credentials().UpdateSecretCAS(ctx, cred.ID, []byte("sealed"), []byte("sealed-v3"))
	require.NoError(t, err)
	require.False(t, swapped)

	got, err := st.Credentials().Find(ctx, cred.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed-v2"), got.Secret)
}

func TestDeleteAbandoned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Passwordless and credential-less: abandoned.
	abandoned := newOwner("abandoned", "")
	require.NoError(t, st.Owners().Create(ctx, abandoned))

	// Passwordless but holds a credential: a live passkey account.
	passkeyOwner := newOwner("passkey-user", "")
	require.NoError(t, st.Owners().Create(ctx, passkeyOwner))
	require.NoError(t, st.Credentials().Create(ctx, newCredential(passkeyOwner.ID, domain.CredentialTypePublicKey)))

	// Has a password: never abandoned.
	passworded := newOwner("alice", "h")
	require.NoError(t, st.Owners().Create(ctx, passworded))

	n, err := st.Owners().DeleteAbandoned(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = st.Owners().FindByID(ctx, abandoned.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Owners().FindByID(ctx, passkeyOwner.ID)
	require.NoError(t, err)
	_, err = st.Owners().FindByID(ctx, passworded.ID)
	require.NoError(t, err)
}

func TestDeleteAbandonedRespectsCutoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	claim := newOwner("fresh-claim", "")
	require.NoError(t, st.Owners().Create(ctx, claim))

	// Cutoff in the past: the fresh claim survives.
	n, err := st.Owners().DeleteAbandoned(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = st.Owners().FindByID(ctx, claim.ID)
	require.NoError(t, err)
}

func TestWithTx(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	owner := newOwner("alice", "h")
	require.NoError(t, st.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Owners().Create(ctx, owner); err != nil {
			return err
		}
		return tx.Credentials().Create(ctx, newCredential(owner.ID, domain.CredentialTypeTOTP))
	}))

	creds, err := st.Credentials().FindAllByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	owner := newOwner("alice", "h")

	err := st.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Owners().Create(ctx, owner); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Owners().FindByID(ctx, owner.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
