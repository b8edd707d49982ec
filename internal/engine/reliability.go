package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/connectors"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReliabilityOptions struct {
	RateLimit   float64       // запросов в секунду к одному target
	Burst       int
	CallTimeout time.Duration // на одну попытку
	Attempts    uint
}

// ReliabilityWrapper оборачивает коннектор: лимитер, предохранитель, ретраи с таймаутом на попытку.
type ReliabilityWrapper struct {
	target  string
	next    connectors.Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliabilityOptions
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewReliabilityWrapper(target string, next connectors.Provider, opts ReliabilityOptions, m *metrics.Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if m == nil {
		m = metrics.New(nil)
	}
	logger = logger.With(zap.String("mod", "connector"), zap.String("target", target))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connector-" + target,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		// бизнес-отказ коннектора не признак его падения
		IsSuccessful: func(err error) bool {
			var re *connectors.RemoteError
			return err == nil || errors.As(err, &re)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &ReliabilityWrapper{
		target:  target,
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, capID string, payload []byte) (res []byte, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		w.metrics.ConnectorDuration.WithLabelValues(w.target, status).Observe(time.Since(start).Seconds())
	}()

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("connector rate limit wait: %w", err)
	}

	// 2. Circuit Breaker
	out, err := w.cb.Execute(func() (interface{}, error) {
		var data []byte
		retryErr := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.Attempts),
			retry.LastErrorOnly(true),
			// ответ коннектора с бизнес-ошибкой не повторяем
			retry.RetryIf(func(err error) bool {
				var re *connectors.RemoteError
				return !errors.As(err, &re) || isThrottle(err)
			}),
			retry.OnRetry(func(n uint, err error) {
				w.logger.Warn("connector call retry", zap.Uint("attempt", n+1), zap.String("capability_id", capID), zap.Error(err))
			}),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если коннектор вернул ThrottleError (считал Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг, 500-ка) — экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		).Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
			defer cancel()

			var callErr error
			data, callErr = w.next.Call(tCtx, capID, payload)
			return callErr
		})
		return data, retryErr
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// State — текущее состояние предохранителя.
func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }

func isThrottle(err error) bool {
	var tErr *connectors.ThrottleError
	return errors.As(err, &tErr)
}
