// Package store persists canonical events, their label state and performance
// snapshots. MemoryStore serves tests and single-node runs; RedisStore is the
// shared back-end.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/labelforge/internal/event"
)

// Common errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("event already stored")
	ErrInvalidID = errors.New("invalid event key")
)

// VerifiedFilter selects ML-processed, human-verified events by ml_timestamp.
// Results are ordered by ml_timestamp then key so offsets page stably.
type VerifiedFilter struct {
	Start  *time.Time
	End    *time.Time
	Offset int
	Limit  int
}

func (f VerifiedFilter) includes(e *event.Event) bool {
	if !e.MLProcessed || !e.HumanVerified || e.MLTimestamp == nil {
		return false
	}
	if f.Start != nil && e.MLTimestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.MLTimestamp.After(*f.End) {
		return false
	}
	return true
}

// Store is the persistence boundary.
type Store interface {
	// SaveEvents stores new events and counts those already present by key.
	SaveEvents(ctx context.Context, events []*event.Event) (saved, duplicates int, err error)
	// Get returns the event stored under key ("<siem_source>:<event_id>").
	Get(ctx context.Context, key string) (*event.Event, error)
	// Update replaces a stored event.
	Update(ctx context.Context, e *event.Event) error

	CountVerified(ctx context.Context, f VerifiedFilter) (int, error)
	ListVerified(ctx context.Context, f VerifiedFilter) ([]*event.Event, error)
	// ListUnverified returns ML-processed events awaiting review, newest first.
	ListUnverified(ctx context.Context, limit int) ([]*event.Event, error)

	SavePerformance(ctx context.Context, r *event.PerformanceRecord) error
	LatestPerformance(ctx context.Context) (*event.PerformanceRecord, error)
	// ListPerformance returns snapshots newest first.
	ListPerformance(ctx context.Context, limit int) ([]*event.PerformanceRecord, error)

	Ping(ctx context.Context) error
}

// SplitKey parses "<siem_source>:<event_id>". The event ID may itself contain colons.
func SplitKey(key string) (event.Source, string, error) {
	source, id, ok := strings.Cut(key, ":")
	if !ok || source == "" || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, key)
	}
	return event.Source(source), id, nil
}

// cloneEvent deep-copies e through its JSON form.
func cloneEvent(e *event.Event) (*event.Event, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out event.Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sortByMLTimestamp(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].MLTimestamp, events[j].MLTimestamp
		if !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return events[i].Key() < events[j].Key()
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
