package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lvonguyen/labelforge/internal/event"
)

type mockConn struct {
	mu        sync.Mutex
	published []*nats.Msg
	fail      bool
	closed    bool
}

func (m *mockConn) PublishMsg(msg *nats.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nats.ErrConnectionClosed
	}
	if m.fail {
		return errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *mockConn) Flush() error { return nil }

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func testPublisher(conn *mockConn) *NATSPublisher {
	p := newNATSPublisher(conn, nil)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

// TestNATSPublisher_Classified verifies subject, headers and body of a classified message.
func TestNATSPublisher_Classified(t *testing.T) {
	conn := &mockConn{}
	p := testPublisher(conn)

	ev := &event.Event{EventID: "42", SIEMSource: event.SourceWazuh, MLConfidence: 0.91}
	ev.RecordClassification(event.Classification{TruePositive: event.Bool(true), AttackType: "Brute Force"}, 0.91, time.Now())

	if err := p.PublishClassified(context.Background(), ev, true); err != nil {
		t.Fatalf("PublishClassified: %v", err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conn.published))
	}
	msg := conn.published[0]
	if msg.Subject != SubjectClassified {
		t.Errorf("unexpected subject %s", msg.Subject)
	}
	if got := msg.Header.Get(headerEventKey); got != "wazuh:42" {
		t.Errorf("unexpected event key header %q", got)
	}

	var out Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !out.Applied || out.Classification.AttackType != "Brute Force" || out.Confidence != 0.91 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

// TestNATSPublisher_Verified verifies the analyst labels are published.
func TestNATSPublisher_Verified(t *testing.T) {
	conn := &mockConn{}
	p := testPublisher(conn)

	ev := &event.Event{EventID: "7", SIEMSource: event.SourceElastic}
	ev.Verify(event.Corrections{TruePositive: event.Bool(false), AttackType: event.String("Reconnaissance")}, time.Now())

	if err := p.PublishVerified(context.Background(), ev); err != nil {
		t.Fatalf("PublishVerified: %v", err)
	}
	var out Outcome
	json.Unmarshal(conn.published[0].Data, &out)
	if conn.published[0].Subject != SubjectVerified || !out.HumanVerified || out.Classification.AttackType != "Reconnaissance" {
		t.Errorf("unexpected verified message %+v", out)
	}
}

// TestNATSPublisher_Errors verifies publish failures are returned and Close stops publishing.
func TestNATSPublisher_Errors(t *testing.T) {
	conn := &mockConn{fail: true}
	p := testPublisher(conn)
	ev := &event.Event{EventID: "1", SIEMSource: event.SourceSplunk}

	if err := p.PublishVerified(context.Background(), ev); err == nil {
		t.Error("expected publish error")
	}

	conn.fail = false
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.PublishClassified(context.Background(), ev, false); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("expected closed connection error, got %v", err)
	}
}

// TestMulti_FansOutAndJoinsErrors verifies every publisher sees the message
// even when one of them fails.
func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	good, bad := &mockConn{}, &mockConn{fail: true}
	m := Multi{testPublisher(bad), testPublisher(good), Nop{}}

	ev := &event.Event{EventID: "7", SIEMSource: event.SourceElastic}
	err := m.PublishVerified(context.Background(), ev)
	if err == nil {
		t.Fatal("expected the failing publisher's error")
	}
	if len(good.published) != 1 || good.published[0].Subject != SubjectVerified {
		t.Errorf("healthy publisher missed the message: %+v", good.published)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !good.closed || !bad.closed {
		t.Error("Close should reach every publisher")
	}
}
