package postgres

/*
Файл guard.go — защита каждого обращения к хранилищу:
- явный таймаут на попытку (таймаут = сбой хранилища, не разрешение);
- повтор с бэкоффом только для транзиентных ошибок;
- предохранитель (gobreaker), чтобы не добивать лежащую базу.
Доменные исходы (ErrNotFound, ErrConflict) не повторяются и не размыкают предохранитель.
*/

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type GuardOptions struct {
	Timeout  time.Duration
	Attempts uint
	// StateGauge — опционально, 0 closed, 1 half-open, 2 open.
	StateGauge prometheus.Gauge
}

type Guard struct {
	cb     *gobreaker.CircuitBreaker
	opts   GuardOptions
	logger *zap.Logger
}

func NewGuard(name string, opts GuardOptions, logger *zap.Logger) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	g := &Guard{opts: opts, logger: logger.Named("store-guard").With(zap.String("store", name))}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("store circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if opts.StateGauge != nil {
				opts.StateGauge.Set(float64(to))
			}
		},
	})
	return g
}

// Do выполняет fn с таймаутом на попытку, повтором и предохранителем.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, retry.New(
			retry.Context(ctx),
			retry.Attempts(g.opts.Attempts),
			retry.Delay(50*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.RetryIf(transient),
			retry.OnRetry(func(n uint, err error) {
				g.logger.Warn("store call retry", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
			}),
		).Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	return err
}

// transient — ошибка, которую есть смысл повторить.
func transient(err error) bool {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *domain.PolicyError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		// класс 08 — ошибки соединения
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
