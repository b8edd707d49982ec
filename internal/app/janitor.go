package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type idempotencyPurger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type counterPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// StartJanitor периодически удаляет истекшие ключи идемпотентности и закрытые окна
// счетчиков. Redis-счетчики истекают сами, их хранилище purge не реализует.
func (s *Stores) StartJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	logger = logger.With(zap.String("mod", "janitor"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now().UTC(), logger)
		}
	}
}

func (s *Stores) sweep(ctx context.Context, now time.Time, logger *zap.Logger) {
	if p, ok := s.Idempotency.(idempotencyPurger); ok {
		n, err := p.Purge(ctx, now)
		if err != nil {
			logger.Error("idempotency purge failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("idempotency records purged", zap.Int64("count", n))
		}
	}
	if p, ok := s.Counters.(counterPurger); ok {
		n, err := p.PurgeExpired(ctx, now)
		if err != nil {
			logger.Error("quota purge failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("quota windows purged", zap.Int64("count", n))
		}
	}
}
