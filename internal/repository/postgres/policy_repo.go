package postgres

/*
Файл policy_repo.go — источник правды для kill-switch и исключений из согласования.
Горячий путь читает kill-switch из RAM (killswitch.Manager); сюда он ходит при старте,
при переподключении к Redis и по таймеру.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
)

type PolicyRepo struct {
	db *DB
}

func NewPolicyRepo(db *DB) *PolicyRepo { return &PolicyRepo{db: db} }

// LoadKillSwitch — отсутствие строки означает «выключен».
func (r *PolicyRepo) LoadKillSwitch(ctx context.Context) (domain.KillSwitch, error) {
	var ks domain.KillSwitch
	err := r.db.guard.Do(ctx, "kill_switch.load", func(ctx context.Context) error {
		err := r.db.Pool.QueryRow(ctx,
			`SELECT enabled, updated_at, updated_by, rationale FROM kill_switch WHERE id = 1`).
			Scan(&ks.Enabled, &ks.UpdatedAt, &ks.UpdatedBy, &ks.Rationale)
		if errors.Is(err, pgx.ErrNoRows) {
			ks = domain.KillSwitch{}
			return nil
		}
		return err
	})
	return ks, err
}

func (r *PolicyRepo) SaveKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	return r.db.guard.Do(ctx, "kill_switch.save", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO kill_switch (id, enabled, updated_at, updated_by, rationale)
			VALUES (1, $1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at,
			    updated_by = EXCLUDED.updated_by, rationale = EXCLUDED.rationale`,
			ks.Enabled, ks.UpdatedAt, ks.UpdatedBy, ks.Rationale)
		if err != nil {
			return fmt.Errorf("postgres: save kill switch: %w", err)
		}
		return nil
	})
}

const exemptionColumns = `id, capability_id, owner_uid, justification, approved_by, created_at, expires_at, status`

func scanExemption(row pgx.Row) (*domain.PolicyExemption, error) {
	var e domain.PolicyExemption
	if err := row.Scan(&e.ID, &e.CapabilityID, &e.OwnerUID, &e.Justification, &e.ApprovedBy,
		&e.CreatedAt, &e.ExpiresAt, &e.Status); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PolicyRepo) CreateExemption(ctx context.Context, e *domain.PolicyExemption) error {
	return r.db.guard.Do(ctx, "exemptions.create", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO policy_exemptions (`+exemptionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, e.CapabilityID, e.OwnerUID, e.Justification, e.ApprovedBy, e.CreatedAt, e.ExpiresAt, e.Status)
		if err != nil {
			return fmt.Errorf("postgres: create exemption: %w", err)
		}
		return nil
	})
}

// FindActiveExemption выбирает действующее исключение с самым поздним сроком; nil, nil если нет.
func (r *PolicyRepo) FindActiveExemption(ctx context.Context, capabilityID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	var e *domain.PolicyExemption
	err := r.db.guard.Do(ctx, "exemptions.find", func(ctx context.Context) error {
		var err error
		e, err = scanExemption(r.db.Pool.QueryRow(ctx, `
			SELECT `+exemptionColumns+` FROM policy_exemptions
			WHERE capability_id = $1 AND owner_uid = $2 AND status = 'active' AND expires_at > $3
			ORDER BY expires_at DESC LIMIT 1`, capabilityID, ownerUID, now))
		if errors.Is(err, pgx.ErrNoRows) {
			e = nil
			return nil
		}
		return err
	})
	return e, err
}

func (r *PolicyRepo) ExpireExemption(ctx context.Context, id string) (*domain.PolicyExemption, error) {
	var e *domain.PolicyExemption
	err := r.db.guard.Do(ctx, "exemptions.expire", func(ctx context.Context) error {
		var err error
		e, err = scanExemption(r.db.Pool.QueryRow(ctx, `
			UPDATE policy_exemptions SET status = 'expired' WHERE id = $1
			RETURNING `+exemptionColumns, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	})
	return e, err
}

func (r *PolicyRepo) ListExemptions(ctx context.Context, f killswitch.ExemptionFilter) ([]domain.PolicyExemption, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CapabilityID != "" {
		add("capability_id = $%d", f.CapabilityID)
	}
	if f.OwnerUID != "" {
		add("owner_uid = $%d", f.OwnerUID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	query := `SELECT ` + exemptionColumns + ` FROM policy_exemptions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT 500"

	results := make([]domain.PolicyExemption, 0)
	err := r.db.guard.Do(ctx, "exemptions.list", func(ctx context.Context) error {
		results = results[:0]
		rows, err := r.db.Pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: query exemptions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanExemption(rows)
			if err != nil {
				return fmt.Errorf("postgres: scan exemption: %w", err)
			}
			results = append(results, *e)
		}
		return rows.Err()
	})
	return results, err
}

// ExpireDue переводит истекшие по времени исключения в expired.
func (r *PolicyRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.guard.Do(ctx, "exemptions.expire_due", func(ctx context.Context) error {
		ct, err := r.db.Pool.Exec(ctx,
			`UPDATE policy_exemptions SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`, now)
		if err != nil {
			return fmt.Errorf("postgres: expire due exemptions: %w", err)
		}
		n = ct.RowsAffected()
		return nil
	})
	return n, err
}
