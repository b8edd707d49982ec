package inventory

import (
	"context"
	"sync"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type MemoryStore struct {
	mu    sync.Mutex
	stock map[string]int
	log   []Reservation
}

func NewMemoryStore(stock map[string]int) *MemoryStore {
	m := &MemoryStore{stock: make(map[string]int, len(stock))}
	for k, v := range stock {
		m.stock[k] = v
	}
	return m
}

func (m *MemoryStore) Reserve(_ context.Context, r Reservation) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	left, ok := m.stock[r.SKU]
	if !ok {
		return Reservation{}, domain.ErrNotFound
	}
	if left <= 0 {
		return Reservation{}, domain.ErrConflict
	}
	m.stock[r.SKU] = left - 1
	r.Remaining = left - 1
	m.log = append(m.log, r)
	return r, nil
}

// Reservations — копия журнала захватов.
func (m *MemoryStore) Reservations() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reservation(nil), m.log...)
}
