package postgres

/*
Файл proposal_repo.go — хранилище предложений. Переходы статусов выполняются одним
UPDATE ... WHERE status = ... RETURNING: проверка и запись атомарны, повторное решение
или конкурирующий исполнитель получают domain.ErrConflict.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
)

type ProposalRepo struct {
	db *DB
}

func NewProposalRepo(db *DB) *ProposalRepo { return &ProposalRepo{db: db} }

const proposalColumns = `id, capability_id, status, rationale, preview_summary, predicted_effects, input, input_hash,
	requested_by, requester_mode, owner_uid, tenant_id, resource_type, resource_id, resource_candidates,
	approval_required, risk, approved_by, approved_at, comment, executed_at, created_at, updated_at`

func scanProposal(row pgx.Row) (*domain.Proposal, error) {
	var p domain.Proposal
	var input []byte
	err := row.Scan(
		&p.ID, &p.CapabilityID, &p.Status, &p.Rationale, &p.PreviewSummary, &p.PredictedEffects, &input, &p.InputHash,
		&p.RequestedBy, &p.RequesterMode, &p.OwnerUID, &p.TenantID, &p.ResourceType, &p.ResourceID, &p.ResourceCandidates,
		&p.ApprovalRequired, &p.Risk, &p.ApprovedBy, &p.ApprovedAt, &p.Comment, &p.ExecutedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Input = input
	return &p, nil
}

func (r *ProposalRepo) Create(ctx context.Context, p *domain.Proposal) error {
	effects := p.PredictedEffects
	if effects == nil {
		effects = []string{}
	}
	candidates := p.ResourceCandidates
	if candidates == nil {
		candidates = []string{}
	}
	return r.db.guard.Do(ctx, "proposals.create", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO proposals (`+proposalColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
			p.ID, p.CapabilityID, p.Status, p.Rationale, p.PreviewSummary, effects, []byte(p.Input), p.InputHash,
			p.RequestedBy, p.RequesterMode, p.OwnerUID, p.TenantID, p.ResourceType, p.ResourceID, candidates,
			p.ApprovalRequired, p.Risk, p.ApprovedBy, p.ApprovedAt, p.Comment, p.ExecutedAt, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: create proposal: %w", err)
		}
		return nil
	})
}

func (r *ProposalRepo) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	var p *domain.Proposal
	err := r.db.guard.Do(ctx, "proposals.get", func(ctx context.Context) error {
		var err error
		p, err = scanProposal(r.db.Pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	})
	return p, err
}

// Decide — решение оператора. Условие status = 'pending_approval' исключает двойное решение.
func (r *ProposalRepo) Decide(ctx context.Context, id string, next domain.ProposalStatus, approver, comment string, at time.Time) (*domain.Proposal, error) {
	var c *string
	if comment != "" {
		c = &comment
	}
	return r.transition(ctx, "proposals.decide", id, `
		UPDATE proposals
		SET status = $2, approved_by = $3, approved_at = $4, comment = $5, updated_at = $4
		WHERE id = $1 AND status = 'pending_approval'
		RETURNING `+proposalColumns, id, next, approver, at, c)
}

// MarkExecuted захватывает предложение под исполнение.
func (r *ProposalRepo) MarkExecuted(ctx context.Context, id string, from []domain.ProposalStatus, at time.Time) (*domain.Proposal, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	return r.transition(ctx, "proposals.mark_executed", id, `
		UPDATE proposals
		SET status = 'executed', executed_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+proposalColumns, id, statuses, at)
}

func (r *ProposalRepo) ReleaseExecution(ctx context.Context, id string, to domain.ProposalStatus) error {
	_, err := r.transition(ctx, "proposals.release", id, `
		UPDATE proposals
		SET status = $2, executed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'executed'
		RETURNING `+proposalColumns, id, to)
	return err
}

// transition выполняет условный UPDATE. Нет строки — либо ID неверный, либо статус уже другой.
func (r *ProposalRepo) transition(ctx context.Context, op, id, query string, args ...any) (*domain.Proposal, error) {
	var p *domain.Proposal
	err := r.db.guard.Do(ctx, op, func(ctx context.Context) error {
		var err error
		p, err = scanProposal(r.db.Pool.QueryRow(ctx, query, args...))
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var exists bool
		if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM proposals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	})
	return p, err
}

func (r *ProposalRepo) List(ctx context.Context, f proposal.Filter) ([]domain.Proposal, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.OwnerUID != "" {
		add("owner_uid = $%d", f.OwnerUID)
	}
	if f.TenantID != "" {
		add("(tenant_id = '' OR tenant_id = $%d)", f.TenantID)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT %d", limit)

	results := make([]domain.Proposal, 0)
	err := r.db.guard.Do(ctx, "proposals.list", func(ctx context.Context) error {
		results = results[:0]
		rows, err := r.db.Pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: query proposals: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProposal(rows)
			if err != nil {
				return fmt.Errorf("postgres: scan proposal: %w", err)
			}
			results = append(results, *p)
		}
		return rows.Err()
	})
	return results, err
}
