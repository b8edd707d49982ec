package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore — хранилище в памяти с блокировкой на ID записи.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	inflight map[string]*keyLock
	ttl      time.Duration
	now      func() time.Time
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		records:  make(map[string]Record),
		inflight: make(map[string]*keyLock),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CheckOrRecord(ctx context.Context, key Key, fingerprint string, compute ComputeFunc) (Result, error) {
	if key.ClientKey == "" {
		resp, err := compute(ctx)
		return Result{Response: resp}, err
	}
	id := key.ID()

	release, err := m.lock(ctx, id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	now := m.now()
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if ok && now.Before(rec.ExpiresAt) {
		if rec.Fingerprint != fingerprint {
			return Result{}, ErrKeyConflict()
		}
		return Result{Response: rec.Response, Replayed: true}, nil
	}

	resp, err := compute(ctx)
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.records[id] = Record{
		ID:          id,
		ActorUID:    key.ActorUID,
		Operation:   key.Operation,
		Fingerprint: fingerprint,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.mu.Unlock()
	return Result{Response: resp}, nil
}

// Purge удаляет записи с истекшим окном повтора.
func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) lock(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	l, ok := m.inflight[id]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.inflight[id] = l
	}
	l.refs++
	m.mu.Unlock()

	done := func() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.inflight, id)
		}
		m.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			done()
		}, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}
