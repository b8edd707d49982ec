package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/idempotency"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepPurgesExpiredIdempotencyRecords(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewMemoryStore(time.Minute)
	s := &Stores{Idempotency: idem, Counters: quota.NewMemoryStore()}

	key := idempotency.Key{ActorUID: "u-1", Operation: "execute:p-1", ClientKey: "k-1"}
	calls := 0
	compute := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}
	_, err := idem.CheckOrRecord(ctx, key, "fp", compute)
	require.NoError(t, err)

	s.sweep(ctx, time.Now().Add(2*time.Minute), zap.NewNop())

	res, err := idem.CheckOrRecord(ctx, key, "fp", compute)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, calls)
}
