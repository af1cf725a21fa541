package siem

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/lvonguyen/labelforge/internal/event"
)

type splunkServer struct {
	*httptest.Server
	loginCalls int32
	pollCalls  int32
	doneAfter  int32
	sid        string
	lastSearch atomic.Value
	lastEarly  atomic.Value
	lastCount  atomic.Value
	results    string
}

func newSplunkServer(t *testing.T, doneAfter int32, sid string) *splunkServer {
	t.Helper()
	ss := &splunkServer{
		doneAfter: doneAfter,
		sid:       sid,
		results: `{"results":[
			{"_cd":"12:345","_time":"2024-05-01T10:15:00.000+00:00","src_ip":"198.51.100.4","severity":"critical","signature":"ET EXPLOIT Log4j"},
			{"_time":"1714558000","src":"198.51.100.9","priority":"notice","description":"Login succeeded"}
		]}`,
	}

	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Splunk sess-1"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/services/auth/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ss.loginCalls, 1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "changeme" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"sessionKey":"sess-1"}`))
	})
	mux.HandleFunc("/services/search/jobs", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r.ParseForm()
		ss.lastSearch.Store(r.PostForm.Get("search"))
		ss.lastEarly.Store(r.PostForm.Get("earliest_time"))
		if ss.sid == "" {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"sid":"` + ss.sid + `"}`))
	})
	mux.HandleFunc("/services/search/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/results") {
			ss.lastCount.Store(r.URL.Query().Get("count"))
			w.Write([]byte(ss.results))
			return
		}
		n := atomic.AddInt32(&ss.pollCalls, 1)
		done := "false"
		if n >= ss.doneAfter {
			done = "true"
		}
		w.Write([]byte(`{"entry":[{"content":{"isDone":` + done + `}}]}`))
	})
	mux.HandleFunc("/services/server/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entry":[{"content":{"version":"9.1.2"}}]}`))
	})

	ss.Server = httptest.NewServer(mux)
	t.Cleanup(ss.Close)
	return ss
}

// =============================================================================
// Search Job Tests
// =============================================================================

// TestSplunk_FetchLogsThreeStepProtocol verifies job submission, polling and results.
func TestSplunk_FetchLogsThreeStepProtocol(t *testing.T) {
	ss := newSplunkServer(t, 2, "1714557600.42")
	clock := testNow
	c := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock))

	events, err := c.FetchLogs(context.Background(), FetchParams{Limit: 25, Query: "index=security"})
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}

	if got := ss.lastSearch.Load(); got != "search index=security" {
		t.Errorf("unexpected search %v", got)
	}
	if got := ss.lastEarly.Load(); got != "2024-05-01T10:00:00" {
		t.Errorf("unexpected earliest_time %v", got)
	}
	if got := ss.lastCount.Load(); got != "25" {
		t.Errorf("unexpected results count %v", got)
	}
	if got := atomic.LoadInt32(&ss.pollCalls); got != 2 {
		t.Errorf("expected 2 polls, got %d", got)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.EventID != "12:345" || first.SourceIP != "198.51.100.4" || first.Severity != event.SeverityCritical {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.RuleName != "ET EXPLOIT Log4j" || first.SIEMSource != event.SourceSplunk {
		t.Errorf("unexpected rule or source: %+v", first)
	}

	second := events[1]
	if second.SourceIP != "198.51.100.9" || second.Severity != event.SeverityLow || second.RuleName != "Login succeeded" {
		t.Errorf("unexpected second event: %+v", second)
	}
	if second.EventID == "" {
		t.Error("event without identifier should get a hash ID")
	}
	if second.Timestamp.Unix() != 1714558000 {
		t.Errorf("epoch _time not parsed: %v", second.Timestamp)
	}
}

// TestSplunk_DefaultSearch verifies the query used when none is given.
func TestSplunk_DefaultSearch(t *testing.T) {
	ss := newSplunkServer(t, 1, "1714557600.42")
	clock := testNow
	c := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock))

	if _, err := c.FetchLogs(context.Background(), FetchParams{}); err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if got := ss.lastSearch.Load(); got != defaultSplunkSearch {
		t.Errorf("unexpected default search %v", got)
	}
}

// TestSplunk_JobTimesOut verifies the bounded poll loop.
func TestSplunk_JobTimesOut(t *testing.T) {
	ss := newSplunkServer(t, 1000, "1714557600.42")
	clock := testNow
	c := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock))

	_, err := c.FetchLogs(context.Background(), FetchParams{})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if !strings.Contains(respErr.Message, "timed out after 3 checks") {
		t.Errorf("unexpected message %q", respErr.Message)
	}
	if got := atomic.LoadInt32(&ss.pollCalls); got != 3 {
		t.Errorf("expected exactly 3 polls, got %d", got)
	}
}

// TestSplunk_MissingSID verifies a job submission without sid is a ResponseError.
func TestSplunk_MissingSID(t *testing.T) {
	ss := newSplunkServer(t, 1, "")
	clock := testNow
	c := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock))

	_, err := c.FetchLogs(context.Background(), FetchParams{})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
}

// TestSplunk_SessionKeyCached verifies the login happens once.
func TestSplunk_SessionKeyCached(t *testing.T) {
	ss := newSplunkServer(t, 1, "1714557600.42")
	clock := testNow
	c := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock))

	for i := 0; i < 2; i++ {
		if _, err := c.FetchLogs(context.Background(), FetchParams{}); err != nil {
			t.Fatalf("FetchLogs: %v", err)
		}
	}
	if got := atomic.LoadInt32(&ss.loginCalls); got != 1 {
		t.Errorf("expected 1 login, got %d", got)
	}
}

// =============================================================================
// Normalization Tests
// =============================================================================

// TestSplunk_NormalizeSeverityVocabulary verifies every word maps to a canonical severity.
func TestSplunk_NormalizeSeverityVocabulary(t *testing.T) {
	clock := testNow
	c := NewSplunkConnector("http://splunk.invalid", "k", testOptions(&clock))

	tests := map[string]event.Severity{
		"debug":     event.SeverityLow,
		"info":      event.SeverityLow,
		"notice":    event.SeverityLow,
		"warning":   event.SeverityMedium,
		"error":     event.SeverityHigh,
		"critical":  event.SeverityCritical,
		"alert":     event.SeverityCritical,
		"emergency": event.SeverityCritical,
		"WARNING":   event.SeverityMedium,
		"bogus":     event.SeverityMedium,
	}
	for word, want := range tests {
		raw, _ := json.Marshal(map[string]string{"_cd": "1", "severity": word})
		ev, err := c.NormalizeLog(raw)
		if err != nil {
			t.Fatalf("NormalizeLog: %v", err)
		}
		if ev.Severity != want {
			t.Errorf("severity %q: expected %s, got %s", word, want, ev.Severity)
		}
	}

	ev, _ := c.NormalizeLog(json.RawMessage(`{"_cd":"1"}`))
	if ev.Severity != event.SeverityLow {
		t.Errorf("absent severity should be low, got %s", ev.Severity)
	}
	ev, _ = c.NormalizeLog(json.RawMessage(`{"_cd":"1","severity_label":"error"}`))
	if ev.Severity != event.SeverityHigh {
		t.Errorf("severity_label fallback: expected high, got %s", ev.Severity)
	}
}

// TestSplunk_NormalizeFallbacks verifies identifier, IP and rule name fallbacks.
func TestSplunk_NormalizeFallbacks(t *testing.T) {
	clock := testNow
	c := NewSplunkConnector("http://splunk.invalid", "k", testOptions(&clock))

	ev, _ := c.NormalizeLog(json.RawMessage(`{"event_id":"e-9","source_ip":"192.0.2.10","rule_name":"R1","signature":"S1"}`))
	if ev.EventID != "e-9" || ev.SourceIP != "192.0.2.10" || ev.RuleName != "R1" {
		t.Errorf("unexpected fallbacks: %+v", ev)
	}

	ev, _ = c.NormalizeLog(json.RawMessage(`{"id":17}`))
	if ev.EventID != "17" || ev.SourceIP != event.UnknownIP {
		t.Errorf("numeric id or unknown IP not handled: %+v", ev)
	}
}

// TestSplunk_HashIDIsStable verifies the hash identifier ignores key order and whitespace.
func TestSplunk_HashIDIsStable(t *testing.T) {
	clock := testNow
	c := NewSplunkConnector("http://splunk.invalid", "k", testOptions(&clock))

	a, _ := c.NormalizeLog(json.RawMessage(`{"host":"web-01","message":"denied","_time":"2024-05-01T10:00:00Z"}`))
	b, _ := c.NormalizeLog(json.RawMessage(`{ "_time": "2024-05-01T10:00:00Z", "message": "denied", "host": "web-01" }`))
	other, _ := c.NormalizeLog(json.RawMessage(`{"host":"web-02","message":"denied","_time":"2024-05-01T10:00:00Z"}`))

	if a.EventID != b.EventID {
		t.Errorf("hash IDs differ for equivalent records: %s vs %s", a.EventID, b.EventID)
	}
	if a.EventID == other.EventID {
		t.Error("different records should hash differently")
	}
}

// TestSplunk_TestConnection verifies the server info check.
func TestSplunk_TestConnection(t *testing.T) {
	ss := newSplunkServer(t, 1, "1714557600.42")
	clock := testNow

	res := NewSplunkConnector(ss.URL, "changeme", testOptions(&clock)).TestConnection(context.Background())
	if !res.Success || res.Details["version"] != "9.1.2" {
		t.Errorf("expected success with version, got %+v", res)
	}

	res = NewSplunkConnector(ss.URL, "", testOptions(&clock)).TestConnection(context.Background())
	if res.Success || res.Details["error_type"] != "AuthenticationError" {
		t.Errorf("expected authentication failure, got %+v", res)
	}
}
