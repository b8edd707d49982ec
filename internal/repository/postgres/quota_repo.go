package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
)

// CounterRepo — счетчики квот в Postgres (реализует quota.CounterStore).
type CounterRepo struct {
	db *DB
}

func NewCounterRepo(db *DB) *CounterRepo { return &CounterRepo{db: db} }

// Increment увеличивает счетчик в SERIALIZABLE транзакции; истекшее окно начинается заново.
func (r *CounterRepo) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (quota.Counter, error) {
	if window <= 0 {
		window = time.Hour
	}
	var c quota.Counter
	err := r.db.Serializable(ctx, "quota.increment", func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO quota_counters (key, count, window_start, expires_at)
			VALUES ($1, 1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
			    count        = CASE WHEN quota_counters.expires_at <= $2 THEN 1 ELSE quota_counters.count + 1 END,
			    window_start = CASE WHEN quota_counters.expires_at <= $2 THEN $2 ELSE quota_counters.window_start END,
			    expires_at   = CASE WHEN quota_counters.expires_at <= $2 THEN $3 ELSE quota_counters.expires_at END
			RETURNING count, window_start, expires_at`,
			key, now, now.Add(window)).Scan(&c.Count, &c.WindowStart, &c.ResetAt)
		if err != nil {
			return fmt.Errorf("postgres: increment %s: %w", key, err)
		}
		return nil
	})
	return c, err
}

// PurgeExpired удаляет закрытые окна.
func (r *CounterRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.guard.Do(ctx, "quota.purge", func(ctx context.Context) error {
		ct, err := r.db.Pool.Exec(ctx, `DELETE FROM quota_counters WHERE expires_at <= $1`, now)
		n = ct.RowsAffected()
		return err
	})
	return n, err
}
