package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/keyfold/keyfold/internal/ceremony/store"

	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the repositories work
// inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	dsn string
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, automatically handling
// commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	// Rollback is safe to call even after commit
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Owners() store.OwnerRepository           { return &ownersRepo{db: s.db} }
func (s *Store) Credentials() store.CredentialRepository { return &credentialsRepo{db: s.db} }

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Owners() store.OwnerRepository           { return &ownersRepo{db: t.tx} }
func (t *txStore) Credentials() store.CredentialRepository { return &credentialsRepo{db: t.tx} }

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return sql.ErrTxDone
}

func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) Close() error                   { return nil }

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrAlreadyExists
	}
	return err
}
