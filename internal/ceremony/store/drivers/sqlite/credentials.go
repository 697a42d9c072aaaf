package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

type credentialsRepo struct {
	db dbtx
}

func (r *credentialsRepo) Create(ctx context.Context, c *domain.Credential) error {
	c.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_id, type, name, secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, string(c.Type), c.Name, c.Secret, c.CreatedAt,
	)
	return mapConstraint(err)
}

func (r *credentialsRepo) Find(ctx context.Context, id string) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, type, name, secret, created_at
		FROM credentials WHERE id = ?`, id)

	var c domain.Credential
	var typ string
	if err := row.Scan(&c.ID, &c.OwnerID, &typ, &c.Name, &c.Secret, &c.CreatedAt); err != nil {
		return nil, mapNotFound(err)
	}
	c.Type = domain.CredentialType(typ)
	return &c, nil
}

func (r *credentialsRepo) FindAllByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error) {
	return r.findAll(ctx, `
		SELECT id, owner_id, type, name, secret, created_at
		FROM credentials WHERE owner_id = ? ORDER BY created_at`, ownerID)
}

func (r *credentialsRepo) FindAllByOwnerAndType(ctx context.Context, ownerID string, t domain.CredentialType) ([]domain.Credential, error) {
	return r.findAll(ctx, `
		SELECT id, owner_id, type, name, secret, created_at
		FROM credentials WHERE owner_id = ? AND type = ? ORDER BY created_at`, ownerID, string(t))
}

func (r *credentialsRepo) findAll(ctx context.Context, query string, args ...any) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		var typ string
		if err := rows.Scan(&c.ID, &c.OwnerID, &typ, &c.Name, &c.Secret, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Type = domain.CredentialType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *credentialsRepo) UpdateSecret(ctx context.Context, id string, sealed []byte) error {
	res, err := r.db.ExecContext(ctx, `UPDATE credentials SET secret = ? WHERE id = ?`, sealed, id)
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

// UpdateSecretCAS guards concurrent sign-count writes: the update only lands
// when the stored blob is still the one the caller verified against.
func (r *credentialsRepo) UpdateSecretCAS(ctx context.Context, id string, old, new []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET secret = ? WHERE id = ? AND secret = ?`,
		new, id, old,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *credentialsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
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
