package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

// ErrPermitExpired — исполнитель не отчитался о результате до истечения разрешения.
var ErrPermitExpired = errors.New("permit expired before completion")

// Permit — разрешение на один побочный эффект. Предложение уже захвачено под исполнение;
// Complete обязателен: он пишет итоговое событие аудита и при ошибке возвращает захват.
type Permit struct {
	ID         string                      `json:"permitId"`
	Decision   domain.Decision             `json:"decision"`
	Proposal   *domain.Proposal            `json:"proposal"`
	Capability domain.CapabilityDefinition `json:"-"`
	ExpiresAt  time.Time                   `json:"expiresAt"`

	actor domain.Actor
	prior domain.ProposalStatus
	core  *Core

	once    sync.Once
	auditID string
	err     error
}

// Complete фиксирует исход. Повторный вызов возвращает CONFLICT.
func (p *Permit) Complete(ctx context.Context, output json.RawMessage, execErr error) (string, error) {
	done := false
	p.once.Do(func() {
		done = true
		p.auditID, p.err = p.core.complete(ctx, p, output, execErr)
	})
	if !done {
		return "", domain.Deny(domain.ReasonConflict, "permit was already completed")
	}
	return p.auditID, p.err
}

func (c *Core) complete(ctx context.Context, p *Permit, output json.RawMessage, execErr error) (string, error) {
	c.permits.remove(p.ID)
	// отмена запроса не должна оставить эффект без записи
	ctx = context.WithoutCancel(ctx)

	if execErr != nil {
		if err := c.proposals.ReleaseExecution(ctx, p.Proposal.ID, p.prior); err != nil {
			c.logger.Error("failed to release execution claim",
				zap.String("proposal_id", p.Proposal.ID),
				zap.Error(err))
		}
	}
	id, err := c.ledger.AppendExecutionAudit(ctx, p.actor, p.Capability, p.Proposal, audit.Outcome{Output: output, Err: execErr}, p.Decision)
	if err != nil {
		return "", domain.Internal(err)
	}
	return id, nil
}

// permitTable — выданные и еще не завершенные разрешения.
type permitTable struct {
	mu    sync.Mutex
	items map[string]*Permit
}

func newPermitTable() *permitTable {
	return &permitTable{items: make(map[string]*Permit)}
}

func (t *permitTable) put(p *Permit) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	t.mu.Lock()
	t.items[p.ID] = p
	t.mu.Unlock()
}

func (t *permitTable) get(id string) (*Permit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	return p, ok
}

func (t *permitTable) remove(id string) {
	t.mu.Lock()
	delete(t.items, id)
	t.mu.Unlock()
}

func (t *permitTable) expired(now time.Time) []*Permit {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Permit
	for _, p := range t.items {
		if !now.Before(p.ExpiresAt) {
			out = append(out, p)
		}
	}
	return out
}

func (t *permitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// StartPermitSweeper завершает просроченные разрешения ошибкой: захват снимается,
// в аудите остается ровно одно событие.
func (c *Core) StartPermitSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepPermits(ctx)
		}
	}
}

// SweepPermits — один проход по просроченным разрешениям.
func (c *Core) SweepPermits(ctx context.Context) int {
	expired := c.permits.expired(c.now())
	for _, p := range expired {
		if _, err := p.Complete(ctx, nil, ErrPermitExpired); err != nil && domain.ReasonOf(err) != domain.ReasonConflict {
			c.logger.Error("failed to complete expired permit", zap.String("permit_id", p.ID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		c.logger.Warn("expired permits completed", zap.Int("count", len(expired)))
	}
	return len(expired)
}
