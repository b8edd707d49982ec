// Package postgres — постоянное хранилище шлюза: предложения, делегации, исключения,
// kill-switch, счетчики квот, идемпотентность, журнал аудита.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"go.uber.org/zap"
)

// DB — пул соединений и защитник вызовов. Все репозитории ходят в базу через guard.
type DB struct {
	Pool  *pgxpool.Pool
	guard *Guard
}

// Connect создает пул и проверяет доступность базы.
func Connect(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, GuardOptions{
		Timeout:  cfg.QueryTimeout,
		Attempts: cfg.RetryAttempts,
	}, logger), nil
}

// New оборачивает готовый пул (тесты, миграции).
func New(pool *pgxpool.Pool, opts GuardOptions, logger *zap.Logger) *DB {
	return &DB{Pool: pool, guard: NewGuard("postgres", opts, logger)}
}

func (db *DB) Close() { db.Pool.Close() }
