package postgres

/*
Файл idempotency_repo.go — create-if-absent в три шага:
1. короткая транзакция захватывает ключ (INSERT ... ON CONFLICT DO NOTHING) строкой без ответа;
2. операция выполняется вне транзакции и вне таймаута попытки guard;
3. ответ записывается отдельным защищенным UPDATE.
Конкурент с тем же ключом видит строку без ответа и ждет ее завершения с бэкоффом,
пока не истечет wait; затем получает CONFLICT. Ошибка операции освобождает ключ.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/idempotency"
	"go.uber.org/zap"
)

type IdempotencyRepo struct {
	db   *DB
	ttl  time.Duration
	wait time.Duration
	now  func() time.Time
}

func NewIdempotencyRepo(db *DB, ttl time.Duration) *IdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRepo{db: db, ttl: ttl, wait: 15 * time.Second, now: time.Now}
}

// WithWait задает, сколько повтор ждет незавершенный запрос с тем же ключом.
func (r *IdempotencyRepo) WithWait(d time.Duration) *IdempotencyRepo {
	if d > 0 {
		r.wait = d
	}
	return r
}

var (
	// errOutcomeUnknown — побочный эффект уже выполнен, а запись результата не подтверждена.
	errOutcomeUnknown = errors.New("idempotency: outcome unknown after side effect")
	errInFlight       = errors.New("idempotency: request with this key is in flight")
	errWaitExpired    = errors.New("idempotency: wait for in-flight request expired")
)

func (r *IdempotencyRepo) CheckOrRecord(ctx context.Context, key idempotency.Key, fingerprint string, compute idempotency.ComputeFunc) (idempotency.Result, error) {
	if key.ClientKey == "" {
		resp, err := compute(ctx)
		return idempotency.Result{Response: resp}, err
	}
	id := key.ID()

	var (
		res     idempotency.Result
		claimed bool
	)
	waitCtx, cancel := context.WithTimeoutCause(ctx, r.wait, errWaitExpired)
	defer cancel()
	err := retry.New(
		retry.Context(waitCtx),
		retry.UntilSucceeded(),
		retry.Delay(20*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errInFlight) }),
	).Do(func() error {
		var err error
		res, claimed, err = r.claim(ctx, id, key, fingerprint)
		return err
	})
	switch {
	case errors.Is(err, errWaitExpired):
		return idempotency.Result{}, domain.Deny(domain.ReasonConflict, "request with this idempotency key is still in progress")
	case err != nil:
		return idempotency.Result{}, err
	case !claimed:
		return res, nil
	}

	resp, err := compute(ctx)
	if err != nil {
		if rerr := r.release(context.WithoutCancel(ctx), id); rerr != nil {
			// ключ останется занятым до истечения ttl
			r.db.guard.logger.Error("failed to release idempotency key", zap.String("op", key.Operation), zap.Error(rerr))
		}
		return idempotency.Result{}, err
	}
	if resp == nil {
		resp = json.RawMessage(`null`)
	}
	if err := r.record(context.WithoutCancel(ctx), id, resp); err != nil {
		return idempotency.Result{}, domain.Internal(fmt.Errorf("%w: %w", errOutcomeUnknown, err))
	}
	return idempotency.Result{Response: resp}, nil
}

// claim захватывает ключ. claimed=false вместе с nil-ошибкой — сохраненный ответ для повтора.
func (r *IdempotencyRepo) claim(ctx context.Context, id string, key idempotency.Key, fingerprint string) (idempotency.Result, bool, error) {
	var (
		res     idempotency.Result
		claimed bool
	)
	now := r.now().UTC()
	err := r.db.inTx(ctx, "idempotency.claim", pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		res, claimed = idempotency.Result{}, false
		if _, err := tx.Exec(ctx, `DELETE FROM idempotency_records WHERE id = $1 AND expires_at <= $2`, id, now); err != nil {
			return fmt.Errorf("postgres: purge expired key: %w", err)
		}
		ct, err := tx.Exec(ctx, `
			INSERT INTO idempotency_records (id, actor_uid, operation, request_fingerprint, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			id, key.ActorUID, key.Operation, fingerprint, now, now.Add(r.ttl))
		if err != nil {
			return fmt.Errorf("postgres: claim idempotency key: %w", err)
		}
		if ct.RowsAffected() == 1 {
			claimed = true
			return nil
		}

		var stored string
		var resp []byte
		err = tx.QueryRow(ctx,
			`SELECT request_fingerprint, response_data FROM idempotency_records WHERE id = $1`, id).
			Scan(&stored, &resp)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// владелец ключа только что освободил его
			return errInFlight
		case err != nil:
			return fmt.Errorf("postgres: read idempotency record: %w", err)
		case stored != fingerprint:
			return idempotency.ErrKeyConflict()
		case resp == nil:
			return errInFlight
		}
		res = idempotency.Result{Response: json.RawMessage(resp), Replayed: true}
		return nil
	})
	return res, claimed, err
}

func (r *IdempotencyRepo) record(ctx context.Context, id string, resp json.RawMessage) error {
	return r.db.guard.Do(ctx, "idempotency.record", func(ctx context.Context) error {
		ct, err := r.db.Pool.Exec(ctx,
			`UPDATE idempotency_records SET response_data = $2 WHERE id = $1`, id, []byte(resp))
		if err != nil {
			return fmt.Errorf("postgres: store idempotent response: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("postgres: idempotency key %s vanished before response was stored", id)
		}
		return nil
	})
}

func (r *IdempotencyRepo) release(ctx context.Context, id string) error {
	return r.db.guard.Do(ctx, "idempotency.release", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx,
			`DELETE FROM idempotency_records WHERE id = $1 AND response_data IS NULL`, id)
		return err
	})
}

// Purge удаляет записи с истекшим окном повтора.
func (r *IdempotencyRepo) Purge(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.guard.Do(ctx, "idempotency.purge", func(ctx context.Context) error {
		ct, err := r.db.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
		n = ct.RowsAffected()
		return err
	})
	return n, err
}
