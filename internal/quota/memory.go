package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore — счетчики в памяти процесса. Для тестов и одиночного инстанса.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count int64
	start time.Time
	reset time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]entry)}
}

func (m *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	if window <= 0 {
		window = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup(now)

	cur, ok := m.items[key]
	if !ok || !now.Before(cur.reset) {
		cur = entry{start: now, reset: now.Add(window)}
	}
	cur.count++
	m.items[key] = cur
	return Counter{Count: cur.count, WindowStart: cur.start, ResetAt: cur.reset}, nil
}

func (m *MemoryStore) cleanup(now time.Time) {
	for k, v := range m.items {
		if !now.Before(v.reset) {
			delete(m.items, k)
		}
	}
}
