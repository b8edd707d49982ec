package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// GetUserByUsername возвращает domain.ErrNotFound для неизвестного логина.
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.guard.Do(ctx, "users.get", func(ctx context.Context) error {
		err := r.db.Pool.QueryRow(ctx, `
			SELECT id, email, username, password_hash, role, tenant_id, scopes, created_at, updated_at
			FROM users WHERE username = $1`, username).Scan(
			&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.TenantID, &u.Scopes, &u.CreatedAt, &u.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser — заведение учетной записи консоли (bootstrap).
func (r *UserRepo) CreateUser(ctx context.Context, u *domain.User) error {
	return r.db.guard.Do(ctx, "users.create", func(ctx context.Context) error {
		scopes := u.Scopes
		if scopes == nil {
			scopes = map[string]bool{}
		}
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO users (id, email, username, password_hash, role, tenant_id, scopes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			u.ID, u.Email, u.Username, u.PasswordHash, u.Role, u.TenantID, scopes)
		return err
	})
}
