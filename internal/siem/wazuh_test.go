package siem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/labelforge/internal/event"
)

var testNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

// testOptions returns fast connector options on a controllable clock.
func testOptions(clock *time.Time) Options {
	return Options{
		Executor:     ExecutorConfig{MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: 2 * time.Second},
		PollInterval: time.Millisecond,
		MaxPolls:     3,
		Now:          func() time.Time { return *clock },
	}
}

type wazuhServer struct {
	*httptest.Server
	authCalls  int32
	alertCalls int32
	lastQuery  atomic.Value
	alerts     string
}

func newWazuhServer(t *testing.T, alerts string) *wazuhServer {
	t.Helper()
	ws := &wazuhServer{alerts: alerts}

	mux := http.NewServeMux()
	mux.HandleFunc("/security/user/authenticate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ws.authCalls, 1)
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("wazuh:secret"))
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":{"token":"tok-1"}}`))
	})
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ws.alertCalls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws.lastQuery.Store(r.URL.Query())
		w.Write([]byte(ws.alerts))
	})
	mux.HandleFunc("/manager/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"version":"v4.7.2"}}`))
	})

	ws.Server = httptest.NewServer(mux)
	t.Cleanup(ws.Close)
	return ws
}

const wazuhAlerts = `{"data":{"affected_items":[
	{"id":"1714557600.1","timestamp":"2024-05-01T10:20:00.000+0000","rule":{"level":11,"description":"Multiple authentication failures"},"agent":{"ip":"10.0.0.5"}},
	{"id":"1714557600.2","timestamp":"2024-05-01T10:21:00.000+0000","rule":{"level":5,"description":"Web attack"},"data":{"srcip":"203.0.113.7"}}
]}}`

// =============================================================================
// Authentication Tests
// =============================================================================

// TestWazuh_TokenIsCached verifies that a bearer token is reused until it expires.
func TestWazuh_TokenIsCached(t *testing.T) {
	ws := newWazuhServer(t, wazuhAlerts)
	clock := testNow
	c := NewWazuhConnector(ws.URL, "wazuh:secret", testOptions(&clock))

	for i := 0; i < 3; i++ {
		if _, err := c.FetchLogs(context.Background(), FetchParams{}); err != nil {
			t.Fatalf("FetchLogs: %v", err)
		}
	}
	if got := atomic.LoadInt32(&ws.authCalls); got != 1 {
		t.Errorf("expected 1 authentication, got %d", got)
	}

	clock = clock.Add(56 * time.Minute)
	if _, err := c.FetchLogs(context.Background(), FetchParams{}); err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if got := atomic.LoadInt32(&ws.authCalls); got != 2 {
		t.Errorf("expected re-authentication after expiry, got %d calls", got)
	}
}

// TestWazuh_MissingCredentials verifies that no request is sent without an API key.
func TestWazuh_MissingCredentials(t *testing.T) {
	ws := newWazuhServer(t, wazuhAlerts)
	clock := testNow
	c := NewWazuhConnector(ws.URL, "", testOptions(&clock))

	_, err := c.FetchLogs(context.Background(), FetchParams{})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if atomic.LoadInt32(&ws.authCalls) != 0 || atomic.LoadInt32(&ws.alertCalls) != 0 {
		t.Error("no HTTP calls expected without credentials")
	}
}

// TestWazuh_BadCredentials verifies a 401 surfaces as AuthenticationError after one attempt.
func TestWazuh_BadCredentials(t *testing.T) {
	ws := newWazuhServer(t, wazuhAlerts)
	clock := testNow
	c := NewWazuhConnector(ws.URL, "wazuh:wrong", testOptions(&clock))

	_, err := c.Authenticate(context.Background())
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if got := atomic.LoadInt32(&ws.authCalls); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

// =============================================================================
// Fetch Tests
// =============================================================================

// TestWazuh_FetchLogs verifies the alert query and normalization of results.
func TestWazuh_FetchLogs(t *testing.T) {
	ws := newWazuhServer(t, wazuhAlerts)
	clock := testNow
	c := NewWazuhConnector(ws.URL+"/", "wazuh:secret", testOptions(&clock))

	events, err := c.FetchLogs(context.Background(), FetchParams{Limit: 50, Query: "rule.level>10"})
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}

	q := ws.lastQuery.Load().(url.Values)
	expect := map[string]string{
		"limit":  "50",
		"q":      "rule.level>10",
		"select": "*",
		"sort":   "-timestamp",
		"from":   "2024-05-01T10:00:00Z",
		"to":     "2024-05-01T10:30:00Z",
	}
	for k, v := range expect {
		if got := q[k]; len(got) != 1 || got[0] != v {
			t.Errorf("query %s: expected %q, got %v", k, v, got)
		}
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first := events[0]
	if first.EventID != "1714557600.1" || first.Severity != event.SeverityCritical || first.SourceIP != "10.0.0.5" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.SIEMSource != event.SourceWazuh || first.RuleName != "Multiple authentication failures" {
		t.Errorf("unexpected source or rule: %+v", first)
	}
	if !first.Timestamp.Equal(time.Date(2024, 5, 1, 10, 20, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", first.Timestamp)
	}
	if events[1].SourceIP != "203.0.113.7" || events[1].Severity != event.SeverityMedium {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

// TestWazuh_UnexpectedPayload verifies a missing affected_items list yields no events.
func TestWazuh_UnexpectedPayload(t *testing.T) {
	ws := newWazuhServer(t, `{"data":{"total":0}}`)
	clock := testNow
	c := NewWazuhConnector(ws.URL, "wazuh:secret", testOptions(&clock))

	events, err := c.FetchLogs(context.Background(), FetchParams{})
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

// =============================================================================
// Normalization Tests
// =============================================================================

// TestWazuh_NormalizeSeverityBands verifies the rule level breakpoints.
func TestWazuh_NormalizeSeverityBands(t *testing.T) {
	clock := testNow
	c := NewWazuhConnector("http://wazuh.invalid", "k", testOptions(&clock))

	tests := []struct {
		raw  string
		want event.Severity
	}{
		{`{"id":"a","rule":{"level":1}}`, event.SeverityLow},
		{`{"id":"a","rule":{"level":3}}`, event.SeverityLow},
		{`{"id":"a","rule":{"level":4}}`, event.SeverityMedium},
		{`{"id":"a","rule":{"level":6}}`, event.SeverityMedium},
		{`{"id":"a","rule":{"level":7}}`, event.SeverityHigh},
		{`{"id":"a","rule":{"level":9}}`, event.SeverityHigh},
		{`{"id":"a","rule":{"level":10}}`, event.SeverityCritical},
		{`{"id":"a","rule":{"level":11}}`, event.SeverityCritical},
		{`{"id":"a","rule":{"level":15}}`, event.SeverityCritical},
		{`{"id":"a","rule":{"level":"8"}}`, event.SeverityHigh},
		{`{"id":"a","rule":{}}`, event.SeverityLow},
		{`{"id":"a"}`, event.SeverityLow},
	}

	for _, tt := range tests {
		ev, err := c.NormalizeLog(json.RawMessage(tt.raw))
		if err != nil {
			t.Fatalf("NormalizeLog(%s): %v", tt.raw, err)
		}
		if ev.Severity != tt.want {
			t.Errorf("NormalizeLog(%s): expected %s, got %s", tt.raw, tt.want, ev.Severity)
		}
	}

	for level := 0; level <= 16; level++ {
		raw, _ := json.Marshal(map[string]any{"id": "x", "rule": map[string]any{"level": level}})
		ev, err := c.NormalizeLog(raw)
		if err != nil {
			t.Fatalf("level %d: %v", level, err)
		}
		if !ev.Severity.Valid() {
			t.Errorf("level %d produced non-canonical severity %q", level, ev.Severity)
		}
	}
}

// TestWazuh_NormalizeSourceIP verifies agent.ip is preferred over data.srcip.
func TestWazuh_NormalizeSourceIP(t *testing.T) {
	clock := testNow
	c := NewWazuhConnector("http://wazuh.invalid", "k", testOptions(&clock))

	tests := []struct {
		raw  string
		want string
	}{
		{`{"agent":{"ip":"10.1.1.1"},"data":{"srcip":"192.0.2.1"}}`, "10.1.1.1"},
		{`{"agent":{"name":"web-01"},"data":{"srcip":"192.0.2.1"}}`, "192.0.2.1"},
		{`{"agent":{}}`, event.UnknownIP},
	}
	for _, tt := range tests {
		ev, err := c.NormalizeLog(json.RawMessage(tt.raw))
		if err != nil {
			t.Fatalf("NormalizeLog: %v", err)
		}
		if ev.SourceIP != tt.want {
			t.Errorf("NormalizeLog(%s): expected %q, got %q", tt.raw, tt.want, ev.SourceIP)
		}
	}
}

// TestWazuh_NormalizeIsIdempotent verifies repeated normalization yields identical events.
func TestWazuh_NormalizeIsIdempotent(t *testing.T) {
	clock := testNow
	c := NewWazuhConnector("http://wazuh.invalid", "k", testOptions(&clock))
	raw := json.RawMessage(`{"id": "7", "timestamp": "2024-05-01T09:00:00.000+0000",
		"rule": {"level": 11, "description": "sshd brute force"}, "agent": {"ip": "10.0.0.9"}}`)

	a, err := c.NormalizeLog(raw)
	if err != nil {
		t.Fatalf("NormalizeLog: %v", err)
	}
	b, _ := c.NormalizeLog(raw)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("normalization is not idempotent:\n%+v\n%+v", a, b)
	}
	if string(a.RawLog) != `{"id":"7","timestamp":"2024-05-01T09:00:00.000+0000","rule":{"level":11,"description":"sshd brute force"},"agent":{"ip":"10.0.0.9"}}` {
		t.Errorf("raw log should be preserved, got %s", a.RawLog)
	}
}

// TestWazuh_NormalizeRejectsNonObject verifies that malformed logs are errors.
func TestWazuh_NormalizeRejectsNonObject(t *testing.T) {
	clock := testNow
	c := NewWazuhConnector("http://wazuh.invalid", "k", testOptions(&clock))
	for _, raw := range []string{`[]`, `null`, `not json`} {
		if _, err := c.NormalizeLog(json.RawMessage(raw)); err == nil {
			t.Errorf("NormalizeLog(%s) should fail", raw)
		}
	}
}

// =============================================================================
// Connection Test Tests
// =============================================================================

// TestWazuh_TestConnection verifies the success and failure shapes.
func TestWazuh_TestConnection(t *testing.T) {
	ws := newWazuhServer(t, wazuhAlerts)
	clock := testNow

	ok := NewWazuhConnector(ws.URL, "wazuh:secret", testOptions(&clock)).TestConnection(context.Background())
	if !ok.Success || ok.Details["version"] != "v4.7.2" {
		t.Errorf("expected success with version, got %+v", ok)
	}

	bad := NewWazuhConnector(ws.URL, "wazuh:wrong", testOptions(&clock)).TestConnection(context.Background())
	if bad.Success {
		t.Fatal("expected failure with bad credentials")
	}
	if bad.Details["error_type"] != "AuthenticationError" || bad.Details["api_endpoint"] != ws.URL {
		t.Errorf("unexpected failure details: %+v", bad.Details)
	}

	unconfigured := NewWazuhConnector("", "wazuh:secret", testOptions(&clock)).TestConnection(context.Background())
	if unconfigured.Success || unconfigured.Details["error_type"] != "ConnectionError" {
		t.Errorf("expected ConnectionError for missing URL, got %+v", unconfigured)
	}
}
