// Package quota содержит счетчики фиксированного окна для квот возможностей и лимитов границы.
package quota

import (
	"context"
	"time"
)

// Counter — состояние счетчика после инкремента.
type Counter struct {
	Count       int64
	WindowStart time.Time
	ResetAt     time.Time
}

// RetryAfter — сколько ждать до открытия следующего окна.
func (c Counter) RetryAfter(now time.Time) time.Duration {
	d := c.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CounterStore атомарно увеличивает счетчик ключа в окне window.
// Окно начинается с первого инкремента и сбрасывается по истечении.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)
}

// Key строит ключ квоты capabilityId+actorKey.
func Key(capabilityID, actorKey string) string {
	return "cap:" + capabilityID + ":" + actorKey
}
