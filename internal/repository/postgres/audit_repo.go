package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
)

// AuditRepo — журнал аудита. Только INSERT; DELETE делает лишь PurgeBefore (ретенция).
type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

const auditColumns = `id, request_id, actor_uid, actor_mode, owner_uid, tenant_id, action, resource_type, resource_id,
	reason_code, result, input_hash, output_hash, metadata, created_at`

const auditFields = 15

func auditValues(e audit.AuditEvent) ([]any, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal audit metadata %s: %w", e.ID, err)
	}
	return []any{
		e.ID, e.RequestID, e.ActorUID, e.ActorMode, e.OwnerUID, e.TenantID, e.Action, e.ResourceType, e.ResourceID,
		e.ReasonCode, e.Result, e.InputHash, e.OutputHash, b, e.CreatedAt,
	}, nil
}

// Append — синхронная запись одного события (audit.Sink).
func (r *AuditRepo) Append(ctx context.Context, e audit.AuditEvent) error {
	return r.WriteBatch(ctx, []audit.AuditEvent{e})
}

// WriteBatch вставляет пачку одним запросом. Повтор пачки после таймаута не дублирует события.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)
	for i, e := range events {
		row, err := auditValues(e)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*auditFields+j)
		}
		sb.WriteByte(')')
		vals = append(vals, row...)
	}
	query := `INSERT INTO audit_events (` + auditColumns + `) VALUES ` + sb.String() + ` ON CONFLICT (id) DO NOTHING`

	return r.db.guard.Do(ctx, "audit.write", func(ctx context.Context) error {
		if _, err := r.db.Pool.Exec(ctx, query, vals...); err != nil {
			return fmt.Errorf("postgres: write audit batch of %d: %w", len(events), err)
		}
		return nil
	})
}

func scanAudit(row pgx.Row) (audit.AuditEvent, error) {
	var e audit.AuditEvent
	var meta []byte
	err := row.Scan(&e.ID, &e.RequestID, &e.ActorUID, &e.ActorMode, &e.OwnerUID, &e.TenantID, &e.Action,
		&e.ResourceType, &e.ResourceID, &e.ReasonCode, &e.Result, &e.InputHash, &e.OutputHash, &meta, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return e, fmt.Errorf("postgres: decode audit metadata %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// FetchLogs — выборка для консоли, новые сверху.
func (r *AuditRepo) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorUID != "" {
		add("actor_uid = $%d", f.ActorUID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	results := make([]audit.AuditEvent, 0)
	err := r.db.guard.Do(ctx, "audit.fetch", func(ctx context.Context) error {
		results = results[:0]
		rows, err := r.db.Pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: query audit events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanAudit(rows)
			if err != nil {
				return err
			}
			results = append(results, e)
		}
		return rows.Err()
	})
	return results, err
}

// PurgeBefore — задача ретенции: единственный путь удаления событий.
func (r *AuditRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.guard.Do(ctx, "audit.purge", func(ctx context.Context) error {
		ct, err := r.db.Pool.Exec(ctx, `DELETE FROM audit_events WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("postgres: purge audit events: %w", err)
		}
		n = ct.RowsAffected()
		return nil
	})
	return n, err
}
