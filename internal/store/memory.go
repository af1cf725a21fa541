package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/lvonguyen/labelforge/internal/event"
)

// MemoryStore keeps everything in process memory. Stored values are copies,
// so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]*event.Event
	performance []*event.PerformanceRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*event.Event)}
}

// SaveEvents stores events not already present.
func (m *MemoryStore) SaveEvents(_ context.Context, events []*event.Event) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, duplicates := 0, 0
	for _, e := range events {
		if e == nil {
			continue
		}
		key := e.Key()
		if _, exists := m.events[key]; exists {
			duplicates++
			continue
		}
		c, err := cloneEvent(e)
		if err != nil {
			return saved, duplicates, fmt.Errorf("copying event %s: %w", key, err)
		}
		m.events[key] = c
		saved++
	}
	return saved, duplicates, nil
}

// Get returns a copy of the event stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) (*event.Event, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.events[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, ErrNotFound)
	}
	return cloneEvent(e)
}

// Update replaces an existing event.
func (m *MemoryStore) Update(_ context.Context, e *event.Event) error {
	c, err := cloneEvent(e)
	if err != nil {
		return fmt.Errorf("copying event %s: %w", e.Key(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.Key()]; !ok {
		return fmt.Errorf("event %s: %w", e.Key(), ErrNotFound)
	}
	m.events[e.Key()] = c
	return nil
}

func (m *MemoryStore) verified(f VerifiedFilter) []*event.Event {
	var out []*event.Event
	for _, e := range m.events {
		if f.includes(e) {
			out = append(out, e)
		}
	}
	sortByMLTimestamp(out)
	return out
}

// CountVerified counts events matching f, ignoring its paging.
func (m *MemoryStore) CountVerified(_ context.Context, f VerifiedFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.verified(f)), nil
}

// ListVerified returns one page of verified events.
func (m *MemoryStore) ListVerified(_ context.Context, f VerifiedFilter) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := page(m.verified(f), f.Offset, f.Limit)
	out := make([]*event.Event, 0, len(items))
	for _, e := range items {
		c, err := cloneEvent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListUnverified returns processed events awaiting review, newest first.
func (m *MemoryStore) ListUnverified(_ context.Context, limit int) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*event.Event
	for _, e := range m.events {
		if e.MLProcessed && !e.HumanVerified && e.MLTimestamp != nil {
			pending = append(pending, e)
		}
	}
	sortByMLTimestamp(pending)
	slices.Reverse(pending)

	items := page(pending, 0, limit)
	out := make([]*event.Event, 0, len(items))
	for _, e := range items {
		c, err := cloneEvent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SavePerformance appends a snapshot.
func (m *MemoryStore) SavePerformance(_ context.Context, r *event.PerformanceRecord) error {
	c := *r
	c.ClassMetrics = make(map[string]event.ClassMetrics, len(r.ClassMetrics))
	for k, v := range r.ClassMetrics {
		c.ClassMetrics[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance = append(m.performance, &c)
	return nil
}

// LatestPerformance returns the most recent snapshot.
func (m *MemoryStore) LatestPerformance(ctx context.Context) (*event.PerformanceRecord, error) {
	records, err := m.ListPerformance(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("performance record: %w", ErrNotFound)
	}
	return records[0], nil
}

// ListPerformance returns up to limit snapshots, newest first.
func (m *MemoryStore) ListPerformance(_ context.Context, limit int) ([]*event.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*event.PerformanceRecord, 0, len(m.performance))
	for i := len(m.performance) - 1; i >= 0; i-- {
		c := *m.performance[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
