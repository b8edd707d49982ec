// Package ratelimit — лимитер границы HTTP по маршруту и по агенту.
// Это вторичный контроль: при отказе собственного хранилища он пропускает запрос
// и обязательно пишет событие *_rate_limit_fallback в аудит.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"go.uber.org/zap"
)

type Scope string

const (
	ScopeRoute Scope = "route"
	ScopeAgent Scope = "agent"
)

// Rule — лимит на окно. Limit <= 0 отключает проверку.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (string, error)
}

type Result struct {
	Allowed    bool
	Fallback   bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

type Limiter struct {
	store    quota.CounterStore
	recorder Recorder
	rules    map[Scope]Rule
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(store quota.CounterStore, recorder Recorder, rules map[Scope]Rule, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Limiter{
		store:    store,
		recorder: recorder,
		rules:    rules,
		metrics:  m,
		logger:   logger.Named("ratelimit"),
		now:      time.Now,
	}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow увеличивает счетчик ключа в скоупе. Ошибка возвращается только когда
// деградацию не удалось записать в аудит: без аудита fail-open не допускается.
func (l *Limiter) Allow(ctx context.Context, actor domain.Actor, scope Scope, key string) (Result, error) {
	rule, ok := l.rules[scope]
	if !ok || rule.Limit <= 0 {
		return Result{Allowed: true}, nil
	}
	now := l.now()
	c, err := l.store.Increment(ctx, string(scope)+":"+key, rule.Window, now)
	if err != nil {
		return l.fallback(ctx, actor, scope, key, err)
	}

	res := Result{Count: c.Count, Limit: rule.Limit, Allowed: c.Count <= int64(rule.Limit)}
	if !res.Allowed {
		res.RetryAfter = c.RetryAfter(now)
		l.metrics.RateLimited.WithLabelValues(string(scope)).Inc()
	}
	return res, nil
}

func (l *Limiter) fallback(ctx context.Context, actor domain.Actor, scope Scope, key string, cause error) (Result, error) {
	class := ErrorClass(cause)
	l.logger.Error("rate limiter backend failed, allowing request",
		zap.String("scope", string(scope)),
		zap.String("key", key),
		zap.String("error_class", class),
		zap.Error(cause))
	l.metrics.RateLimitFallback.WithLabelValues(string(scope), class).Inc()

	_, err := l.recorder.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       string(scope) + "_rate_limit_fallback",
		ResourceType: "rate_limit",
		ResourceID:   key,
		Decision:     domain.Allow(actor.Type, domain.ReasonRateLimitFallback),
		Metadata: map[string]any{
			"scope":      string(scope),
			"key":        key,
			"errorClass": class,
		},
	})
	if err != nil {
		return Result{}, domain.Internal(fmt.Errorf("ratelimit: fallback audit: %w", err))
	}
	return Result{Allowed: true, Fallback: true}, nil
}

// ErrorClass грубо классифицирует отказ хранилища для аудита и метрик.
func ErrorClass(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &ne):
		if ne.Timeout() {
			return "timeout"
		}
		return "network"
	}
	return "backend"
}
