package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/labelforge/internal/event"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func processed(id string, minute int, verified bool) *event.Event {
	e := &event.Event{EventID: id, SIEMSource: event.SourceWazuh, Severity: event.SeverityHigh, Timestamp: base}
	e.RecordClassification(event.Classification{TruePositive: event.Bool(true), AttackType: "Brute Force"}, 0.9, base.Add(time.Duration(minute)*time.Minute))
	if verified {
		e.Verify(event.Corrections{TruePositive: event.Bool(true)}, base.Add(time.Hour))
	}
	return e
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("SaveEventsDetectsDuplicates", func(t *testing.T) {
		events := []*event.Event{
			{EventID: "a", SIEMSource: event.SourceSplunk},
			{EventID: "b", SIEMSource: event.SourceSplunk},
			{EventID: "a", SIEMSource: event.SourceSplunk},
			{EventID: "a", SIEMSource: event.SourceElastic},
		}
		saved, dup, err := s.SaveEvents(ctx, events)
		if err != nil {
			t.Fatalf("SaveEvents: %v", err)
		}
		if saved != 3 || dup != 1 {
			t.Errorf("expected 3 saved and 1 duplicate, got %d/%d", saved, dup)
		}
		if _, dup, _ := s.SaveEvents(ctx, events[:1]); dup != 1 {
			t.Error("second save should be a duplicate")
		}
	})

	t.Run("GetAndUpdate", func(t *testing.T) {
		got, err := s.Get(ctx, "splunk:a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got.AttackType = "Phishing"
		if err := s.Update(ctx, got); err != nil {
			t.Fatalf("Update: %v", err)
		}
		again, _ := s.Get(ctx, "splunk:a")
		if again.AttackType != "Phishing" {
			t.Errorf("update not persisted: %+v", again)
		}

		if _, err := s.Get(ctx, "splunk:missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get(ctx, "no-colon"); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID, got %v", err)
		}
		if err := s.Update(ctx, &event.Event{EventID: "zzz", SIEMSource: event.SourceSplunk}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on update, got %v", err)
		}
	})

	t.Run("VerifiedPagination", func(t *testing.T) {
		var events []*event.Event
		for i := 0; i < 5; i++ {
			events = append(events, processed(fmt.Sprintf("v%d", i), i, true))
		}
		events = append(events, processed("pending", 10, false))
		if _, _, err := s.SaveEvents(ctx, events); err != nil {
			t.Fatalf("SaveEvents: %v", err)
		}

		n, err := s.CountVerified(ctx, VerifiedFilter{})
		if err != nil || n != 5 {
			t.Fatalf("expected 5 verified, got %d (%v)", n, err)
		}

		first, _ := s.ListVerified(ctx, VerifiedFilter{Offset: 0, Limit: 2})
		second, _ := s.ListVerified(ctx, VerifiedFilter{Offset: 2, Limit: 2})
		third, _ := s.ListVerified(ctx, VerifiedFilter{Offset: 4, Limit: 2})
		if len(first) != 2 || len(second) != 2 || len(third) != 1 {
			t.Fatalf("unexpected page sizes %d/%d/%d", len(first), len(second), len(third))
		}
		if first[0].EventID != "v0" || second[0].EventID != "v2" || third[0].EventID != "v4" {
			t.Errorf("unexpected order %s %s %s", first[0].EventID, second[0].EventID, third[0].EventID)
		}

		start, end := base.Add(time.Minute), base.Add(3*time.Minute)
		n, _ = s.CountVerified(ctx, VerifiedFilter{Start: &start, End: &end})
		if n != 3 {
			t.Errorf("expected 3 verified in range, got %d", n)
		}
	})

	t.Run("UnverifiedMovesOnVerify", func(t *testing.T) {
		pending, err := s.ListUnverified(ctx, 10)
		if err != nil || len(pending) != 1 || pending[0].EventID != "pending" {
			t.Fatalf("unexpected pending %+v (%v)", pending, err)
		}

		e := pending[0]
		e.Verify(event.Corrections{TruePositive: event.Bool(false)}, base.Add(2*time.Hour))
		if err := s.Update(ctx, e); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if pending, _ := s.ListUnverified(ctx, 10); len(pending) != 0 {
			t.Errorf("verified event still pending: %+v", pending)
		}
		if n, _ := s.CountVerified(ctx, VerifiedFilter{}); n != 6 {
			t.Errorf("expected 6 verified, got %d", n)
		}
	})

	t.Run("PerformanceHistory", func(t *testing.T) {
		if _, err := s.LatestPerformance(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound before any record, got %v", err)
		}
		for i, version := range []string{"v1", "v2", "v3"} {
			r := &event.PerformanceRecord{
				ID:           uuid.NewString(),
				ModelVersion: version,
				Timestamp:    base.Add(time.Duration(i) * time.Hour),
				ClassMetrics: map[string]event.ClassMetrics{"Brute Force": {Support: i}},
			}
			if err := s.SavePerformance(ctx, r); err != nil {
				t.Fatalf("SavePerformance: %v", err)
			}
		}
		latest, err := s.LatestPerformance(ctx)
		if err != nil || latest.ModelVersion != "v3" {
			t.Fatalf("unexpected latest %+v (%v)", latest, err)
		}
		history, _ := s.ListPerformance(ctx, 2)
		if len(history) != 2 || history[0].ModelVersion != "v3" || history[1].ModelVersion != "v2" {
			t.Errorf("unexpected history %+v", history)
		}
	})
}

// TestMemoryStore runs the store contract against MemoryStore.
func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

// TestMemoryStore_CopiesOnWrite verifies callers cannot mutate stored events.
func TestMemoryStore_CopiesOnWrite(t *testing.T) {
	s := NewMemoryStore()
	e := &event.Event{EventID: "1", SIEMSource: event.SourceWazuh, RuleName: "original"}
	s.SaveEvents(context.Background(), []*event.Event{e})
	e.RuleName = "changed"

	got, _ := s.Get(context.Background(), "wazuh:1")
	if got.RuleName != "original" {
		t.Errorf("store shared caller state: %s", got.RuleName)
	}
}

// TestRedisStore runs the store contract against a live Redis when
// LABELFORGE_TEST_REDIS names its address.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LABELFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("LABELFORGE_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	prefix := "labelforge-test:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	s := NewRedisStore(client, prefix, nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	runStoreContract(t, s)
}

// TestSplitKey verifies event key parsing.
func TestSplitKey(t *testing.T) {
	source, id, err := SplitKey("splunk:12:345")
	if err != nil || source != event.SourceSplunk || id != "12:345" {
		t.Errorf("unexpected split %s %s %v", source, id, err)
	}
	for _, bad := range []string{"", "wazuh", ":1", "wazuh:"} {
		if _, _, err := SplitKey(bad); !errors.Is(err, ErrInvalidID) {
			t.Errorf("%q: expected ErrInvalidID, got %v", bad, err)
		}
	}
}
