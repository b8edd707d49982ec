package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{domain.ErrNotFound, false},
		{fmt.Errorf("wrap: %w", domain.ErrConflict), false},
		{domain.Deny(domain.ReasonConflict, "x"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "08006"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, transient(tc.err), "%v", tc.err)
	}
}

func TestGuardRetriesOnlyTransient(t *testing.T) {
	g := NewGuard("test", GuardOptions{Timeout: time.Second, Attempts: 3}, zap.NewNop())

	calls := 0
	err := g.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = g.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return domain.ErrNotFound
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestGuardAppliesTimeout(t *testing.T) {
	g := NewGuard("test", GuardOptions{Timeout: 20 * time.Millisecond, Attempts: 1}, zap.NewNop())
	err := g.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
