package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Serializable выполняет fn в SERIALIZABLE транзакции. Конфликт сериализации
// (40001/40P01) повторяется guard-ом целиком, вместе с fn.
func (db *DB) Serializable(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return db.inTx(ctx, op, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (db *DB) inTx(ctx context.Context, op string, opts pgx.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return db.guard.Do(ctx, op, func(ctx context.Context) error {
		tx, err := db.Pool.BeginTx(ctx, opts)
		if err != nil {
			return fmt.Errorf("postgres: begin %s: %w", op, err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit %s: %w", op, err)
		}
		return nil
	})
}
