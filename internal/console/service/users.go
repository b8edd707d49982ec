package service

import (
	"context"
	"sync"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// MemoryUsers — хранилище учетных записей для store.driver=memory и тестов.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewMemoryUsers(users ...domain.User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]domain.User, len(users))}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *MemoryUsers) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (m *MemoryUsers) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return domain.ErrConflict
	}
	m.users[u.Username] = *u
	return nil
}
