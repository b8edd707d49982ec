package delegation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// MemoryStore — реализация хранилища делегаций в памяти.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]domain.Delegation
}

func NewMemoryStore(ds ...domain.Delegation) *MemoryStore {
	m := &MemoryStore{items: make(map[string]domain.Delegation)}
	for _, d := range ds {
		m.items[d.ID] = d
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) Create(_ context.Context, d *domain.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[d.ID]; ok {
		return domain.ErrConflict
	}
	m.items[d.ID] = *d
	return nil
}

// Revoke выставляет revokedAt; статус не трогает, чтобы отказ нес код DELEGATION_REVOKED.
// Повторный отзыв — конфликт.
func (m *MemoryStore) Revoke(_ context.Context, id string, at time.Time) (*domain.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if d.RevokedAt != nil {
		return nil, domain.ErrConflict
	}
	d.RevokedAt = &at
	m.items[id] = d
	return &d, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerUID string) ([]domain.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Delegation, 0)
	for _, d := range m.items {
		if ownerUID == "" || d.OwnerUID == ownerUID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
