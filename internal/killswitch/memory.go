package killswitch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// MemoryStore реализует StateStore и ExemptionStore в памяти.
type MemoryStore struct {
	mu         sync.Mutex
	ks         domain.KillSwitch
	exemptions map[string]domain.PolicyExemption
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exemptions: make(map[string]domain.PolicyExemption)}
}

func (m *MemoryStore) LoadKillSwitch(context.Context) (domain.KillSwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ks, nil
}

func (m *MemoryStore) SaveKillSwitch(_ context.Context, ks domain.KillSwitch) error {
	m.mu.Lock()
	m.ks = ks
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CreateExemption(_ context.Context, e *domain.PolicyExemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exemptions[e.ID]; ok {
		return domain.ErrConflict
	}
	m.exemptions[e.ID] = *e
	return nil
}

// FindActiveExemption выбирает действующее исключение с самым поздним сроком.
func (m *MemoryStore) FindActiveExemption(_ context.Context, capabilityID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.PolicyExemption
	for _, e := range m.exemptions {
		e := e
		if e.CapabilityID != capabilityID || e.OwnerUID != ownerUID || !e.ActiveAt(now) {
			continue
		}
		if best == nil || e.ExpiresAt.After(best.ExpiresAt) {
			best = &e
		}
	}
	return best, nil
}

func (m *MemoryStore) ExpireExemption(_ context.Context, id string) (*domain.PolicyExemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exemptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.Status = domain.ExemptionExpired
	m.exemptions[id] = e
	return &e, nil
}

func (m *MemoryStore) ListExemptions(_ context.Context, f ExemptionFilter) ([]domain.PolicyExemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PolicyExemption, 0)
	for _, e := range m.exemptions {
		if (f.CapabilityID == "" || e.CapabilityID == f.CapabilityID) &&
			(f.OwnerUID == "" || e.OwnerUID == f.OwnerUID) &&
			(f.Status == "" || e.Status == f.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.exemptions {
		if e.Status == domain.ExemptionActive && !now.Before(e.ExpiresAt) {
			e.Status = domain.ExemptionExpired
			m.exemptions[id] = e
			n++
		}
	}
	return n, nil
}

// SetExemption кладет исключение как есть (для тестов и начальной загрузки).
func (m *MemoryStore) SetExemption(e domain.PolicyExemption) {
	m.mu.Lock()
	m.exemptions[e.ID] = e
	m.mu.Unlock()
}
