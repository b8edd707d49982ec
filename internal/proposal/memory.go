package proposal

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]domain.Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]domain.Proposal)}
}

func (m *MemoryStore) Create(_ context.Context, p *domain.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[p.ID]; ok {
		return domain.ErrConflict
	}
	m.items[p.ID] = *p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Decide(_ context.Context, id string, next domain.ProposalStatus, approver, comment string, at time.Time) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.Status != domain.ProposalPendingApproval {
		return nil, domain.ErrConflict
	}
	p.Status = next
	p.ApprovedBy = &approver
	p.ApprovedAt = &at
	if comment != "" {
		p.Comment = &comment
	}
	p.UpdatedAt = at
	m.items[id] = p
	return &p, nil
}

func (m *MemoryStore) MarkExecuted(_ context.Context, id string, from []domain.ProposalStatus, at time.Time) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !slices.Contains(from, p.Status) {
		return nil, domain.ErrConflict
	}
	p.Status = domain.ProposalExecuted
	p.ExecutedAt = &at
	p.UpdatedAt = at
	m.items[id] = p
	return &p, nil
}

func (m *MemoryStore) ReleaseExecution(_ context.Context, id string, to domain.ProposalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.ProposalExecuted {
		return domain.ErrConflict
	}
	p.Status = to
	p.ExecutedAt = nil
	m.items[id] = p
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Proposal, 0)
	for _, p := range m.items {
		if (f.Status == "" || p.Status == f.Status) &&
			(f.OwnerUID == "" || p.OwnerUID == f.OwnerUID) &&
			(f.TenantID == "" || p.TenantID == f.TenantID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
