package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type DelegationRepo struct {
	db *DB
}

func NewDelegationRepo(db *DB) *DelegationRepo { return &DelegationRepo{db: db} }

const delegationColumns = `id, owner_uid, agent_client_id, tenant_id, scopes, resources, status, expires_at, revoked_at, created_by, created_at`

func scanDelegation(row pgx.Row) (*domain.Delegation, error) {
	var d domain.Delegation
	err := row.Scan(&d.ID, &d.OwnerUID, &d.AgentClientID, &d.TenantID, &d.Scopes, &d.Resources,
		&d.Status, &d.ExpiresAt, &d.RevokedAt, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DelegationRepo) Get(ctx context.Context, id string) (*domain.Delegation, error) {
	var d *domain.Delegation
	err := r.db.guard.Do(ctx, "delegations.get", func(ctx context.Context) error {
		var err error
		d, err = scanDelegation(r.db.Pool.QueryRow(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	})
	return d, err
}

func (r *DelegationRepo) Create(ctx context.Context, d *domain.Delegation) error {
	return r.db.guard.Do(ctx, "delegations.create", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO delegations (`+delegationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			d.ID, d.OwnerUID, d.AgentClientID, d.TenantID, d.Scopes, d.Resources,
			d.Status, d.ExpiresAt, d.RevokedAt, d.CreatedBy, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: create delegation: %w", err)
		}
		return nil
	})
}

// Revoke фиксирует момент отзыва. Повторный отзыв — domain.ErrConflict.
func (r *DelegationRepo) Revoke(ctx context.Context, id string, at time.Time) (*domain.Delegation, error) {
	var d *domain.Delegation
	err := r.db.guard.Do(ctx, "delegations.revoke", func(ctx context.Context) error {
		var err error
		d, err = scanDelegation(r.db.Pool.QueryRow(ctx, `
			UPDATE delegations SET revoked_at = $2
			WHERE id = $1 AND revoked_at IS NULL
			RETURNING `+delegationColumns, id, at))
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var exists bool
		if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delegations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	})
	return d, err
}

func (r *DelegationRepo) ListByOwner(ctx context.Context, ownerUID string) ([]domain.Delegation, error) {
	results := make([]domain.Delegation, 0)
	err := r.db.guard.Do(ctx, "delegations.list", func(ctx context.Context) error {
		results = results[:0]
		query := `SELECT ` + delegationColumns + ` FROM delegations`
		var args []any
		if ownerUID != "" {
			query += ` WHERE owner_uid = $1`
			args = append(args, ownerUID)
		}
		rows, err := r.db.Pool.Query(ctx, query+` ORDER BY created_at DESC LIMIT 500`, args...)
		if err != nil {
			return fmt.Errorf("postgres: query delegations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDelegation(rows)
			if err != nil {
				return fmt.Errorf("postgres: scan delegation: %w", err)
			}
			results = append(results, *d)
		}
		return rows.Err()
	})
	return results, err
}
