package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Sink — физическое хранилище событий. Append возвращает управление только после того,
// как событие принято (записано или поставлено в очередь с гарантией сброса).
type Sink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// MemorySink хранит события в памяти. Используется в тестах и dev-режиме.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, e AuditEvent) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// WriteBatch позволяет использовать MemorySink как хранилище AgentFS.
func (m *MemorySink) WriteBatch(_ context.Context, events []AuditEvent) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

// Events возвращает копию в порядке добавления.
func (m *MemorySink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemorySink) FetchLogs(_ context.Context, f Filter) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, 0)
	for _, e := range m.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemorySink) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}
