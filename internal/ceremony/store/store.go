// Package store defines the persistence boundary for owners and their
// second-factor credentials. Drivers live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store exposes the repositories plus transaction support.
type Store interface {
	Owners() OwnerRepository
	Credentials() CredentialRepository

	// WithTx runs fn inside a transaction. The Store passed to fn routes
	// all repository calls through that transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	Close() error
}

// OwnerRepository persists account owners.
type OwnerRepository interface {
	Create(ctx context.Context, o *domain.Owner) error
	FindByID(ctx context.Context, id string) (*domain.Owner, error)
	FindByUsername(ctx context.Context, username string) (*domain.Owner, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateRecoveryCodes(ctx context.Context, id string, sealed []byte) error
	Delete(ctx context.Context, id string) error

	// DeleteAbandoned removes passwordless owners created before the
	// cutoff that never enrolled a credential, i.e. passkey registration
	// claims whose confirmation never arrived.
	DeleteAbandoned(ctx context.Context, before time.Time) (int64, error)
}

// CredentialRepository persists second-factor credentials. Secret blobs are
// sealed before they reach the store and opened after they leave it.
type CredentialRepository interface {
	Create(ctx context.Context, c *domain.Credential) error
	Find(ctx context.Context, id string) (*domain.Credential, error)
	FindAllByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error)
	FindAllByOwnerAndType(ctx context.Context, ownerID string, t domain.CredentialType) ([]domain.Credential, error)

	// UpdateSecret unconditionally replaces the sealed secret blob.
	UpdateSecret(ctx context.Context, id string, sealed []byte) error

	// UpdateSecretCAS replaces the sealed secret only if the stored blob
	// still equals old. Returns false without error when the row moved
	// underneath the caller.
	UpdateSecretCAS(ctx context.Context, id string, old, new []byte) (bool, error)

	Delete(ctx context.Context, id string) error
}
