package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

type ownersRepo struct {
	db dbtx
}

func (r *ownersRepo) Create(ctx context.Context, o *domain.Owner) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	// Passwordless owners store NULL, not "", so abandoned passkey claims
	// are distinguishable at the SQL level.
	hash := sql.NullString{String: o.PasswordHash, Valid: o.PasswordHash != ""}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO owners (id, username, display_name, password_hash, recovery_codes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Username, o.DisplayName, hash, o.RecoveryCodes, o.CreatedAt, o.UpdatedAt,
	)
	return mapConstraint(err)
}

func (r *ownersRepo) FindByID(ctx context.Context, id string) (*domain.Owner, error) {
	return r.findOne(ctx, `WHERE id = ?`, id)
}

func (r *ownersRepo) FindByUsername(ctx context.Context, username string) (*domain.Owner, error) {
	return r.findOne(ctx, `WHERE username = ?`, username)
}

func (r *ownersRepo) findOne(ctx context.Context, where string, arg any) (*domain.Owner, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, recovery_codes, created_at, updated_at
		FROM owners `+where, arg)

	var o domain.Owner
	var hash sql.NullString
	err := row.Scan(&o.ID, &o.Username, &o.DisplayName, &hash, &o.RecoveryCodes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	o.PasswordHash = hash.String
	return &o, nil
}

func (r *ownersRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.update(ctx, `UPDATE owners SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UTC(), id)
}

func (r *ownersRepo) UpdateRecoveryCodes(ctx context.Context, id string, sealed []byte) error {
	return r.update(ctx, `UPDATE owners SET recovery_codes = ?, updated_at = ? WHERE id = ?`, sealed, time.Now().UTC(), id)
}

func (r *ownersRepo) Delete(ctx context.Context, id string) error {
	return r.update(ctx, `DELETE FROM owners WHERE id = ?`, id)
}

func (r *ownersRepo) DeleteAbandoned(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM owners
		WHERE password_hash IS NULL
		  AND created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM credentials WHERE credentials.owner_id = owners.id)`,
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ownersRepo) update(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapNotFound(sql.ErrNoRows)
	}
	return nil
}
