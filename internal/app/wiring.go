package app

import (
	"context"
	"errors"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewValidator: JWKS, если задан auth.jwks_url, иначе статический RS256 ключ.
// Фоновое обновление JWKS живет, пока жив ctx.
func NewValidator(ctx context.Context, cfg infra.AuthConfig) (auth.TokenValidator, error) {
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if len(cfg.PublicKey) == 0 {
		return nil, errors.New("auth: either auth.jwks_url or a public key is required")
	}
	pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	return auth.NewBaseValidator(pub, cfg.Issuer), nil
}

// Audit — журнал и, в асинхронном режиме, пакетный приемник, который надо остановить
// после остановки серверов.
type Audit struct {
	Ledger *audit.Ledger
	batch  *audit.AgentFS
}

func NewAudit(store AuditStore, cfg infra.AuditConfig, m *metrics.Metrics, logger *zap.Logger) *Audit {
	var sink audit.Sink = store
	a := &Audit{}
	if cfg.Async {
		a.batch = audit.NewAgentFS(store, audit.AgentFSOptions{
			BufferSize:    cfg.BufferSize,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			BufferGauge:   m.AuditBufferFill,
		}, logger)
		a.batch.Start()
		sink = a.batch
	}
	a.Ledger = audit.NewLedger(sink, audit.NewRedactor(cfg.HashSalt), logger)
	return a
}

// Stop сбрасывает буфер AgentFS. Вызывать после остановки приема запросов.
func (a *Audit) Stop() {
	if a.batch != nil {
		a.batch.Stop()
	}
}

// NewLimiter — лимитер границы. Счетчики в Redis, если он есть, иначе в памяти процесса.
func NewLimiter(cfg infra.RateLimitConfig, rdb *redis.Client, recorder ratelimit.Recorder, m *metrics.Metrics, logger *zap.Logger) *ratelimit.Limiter {
	var store quota.CounterStore = quota.NewMemoryStore()
	if rdb != nil {
		store = quota.NewRedisStore(rdb, infra.RedisPrefixRateLimit, 500*time.Millisecond)
	}
	return ratelimit.New(store, recorder, map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeRoute: {Limit: cfg.RouteLimit, Window: cfg.RouteWindow},
		ratelimit.ScopeAgent: {Limit: cfg.AgentLimit, Window: cfg.AgentWindow},
	}, m, logger)
}
