package service

import (
	"context"
	"fmt"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditLogProvider описывает контракт для чтения и ретенции журнала.
// Модель данных общая: audit.AuditEvent.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type AuditService struct {
	repo   AuditLogProvider
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditService(repo AuditLogProvider, logger *zap.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

func (s *AuditService) WithClock(now func() time.Time) *AuditService {
	s.now = now
	return s
}

// FetchLogs — выборка журнала, только для персонала.
func (s *AuditService) FetchLogs(ctx context.Context, actor domain.Actor, f audit.Filter) ([]audit.AuditEvent, error) {
	if !actor.IsStaff() {
		return nil, domain.Deny(domain.ReasonForbidden, "staff only")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultAuditLimit
	case f.Limit > maxAuditLimit:
		f.Limit = maxAuditLimit
	}
	logs, err := s.repo.FetchLogs(ctx, f)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("audit_service: failed to fetch logs: %w", err))
	}
	return logs, nil
}

// Purge удаляет события старше retention. Единственный путь удаления из журнала.
func (s *AuditService) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-retention)
	n, err := s.repo.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit_service: purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

// StartRetention периодически чистит журнал. retention <= 0 отключает задачу.
func (s *AuditService) StartRetention(ctx context.Context, retention, tick time.Duration) {
	if retention <= 0 || tick <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx, retention)
			if err != nil {
				s.logger.Error("audit retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("audit events purged", zap.Int64("count", n), zap.Duration("retention", retention))
			}
		}
	}
}
