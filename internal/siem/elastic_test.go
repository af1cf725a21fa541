package siem

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lvonguyen/labelforge/internal/event"
)

// TestElastic_FetchLogs verifies the search body, index path and hit normalization.
func TestElastic_FetchLogs(t *testing.T) {
	var gotPath, gotAuth atomic.Value
	var gotBody atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		w.Write([]byte(`{"hits":{"hits":[
			{"_id":"doc-1","_source":{"@timestamp":"2024-05-01T10:10:00.000Z","source":{"ip":"10.9.8.7"},"event":{"severity":9},"rule":{"name":"Port scan"}}},
			{"_id":"doc-2","_source":{"@timestamp":"2024-05-01T10:11:00.000Z","host":{"ip":["172.16.0.4","fe80::1"]},"event":{"severity":"warning"},"rule":{"description":"Suspicious PowerShell","name":"ps-1"}}}
		]}}`))
	}))
	defer server.Close()

	clock := testNow
	c := NewElasticConnector(server.URL, "a2V5OnNlY3JldA==", testOptions(&clock))

	events, err := c.FetchLogs(context.Background(), FetchParams{Limit: 10, Query: "event.category:process", Index: "logs-endpoint"})
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}

	if got := gotPath.Load(); got != "/logs-endpoint/_search" {
		t.Errorf("unexpected path %v", got)
	}
	if got := gotAuth.Load(); got != "ApiKey a2V5OnNlY3JldA==" {
		t.Errorf("unexpected auth header %v", got)
	}

	var body struct {
		Size  int `json:"size"`
		Query struct {
			Bool struct {
				Must []map[string]map[string]any `json:"must"`
			} `json:"bool"`
		} `json:"query"`
		Sort []map[string]map[string]string `json:"sort"`
	}
	if err := json.Unmarshal(gotBody.Load().([]byte), &body); err != nil {
		t.Fatalf("decoding search body: %v", err)
	}
	if body.Size != 10 {
		t.Errorf("expected size 10, got %d", body.Size)
	}
	if len(body.Query.Bool.Must) != 2 {
		t.Fatalf("expected range and query_string clauses, got %v", body.Query.Bool.Must)
	}
	rng := body.Query.Bool.Must[0]["range"]["@timestamp"].(map[string]any)
	if rng["gte"] != "2024-05-01T10:00:00.000Z" || rng["lte"] != "2024-05-01T10:30:00.000Z" {
		t.Errorf("unexpected range %v", rng)
	}
	if body.Query.Bool.Must[1]["query_string"]["query"] != "event.category:process" {
		t.Errorf("unexpected query_string %v", body.Query.Bool.Must[1])
	}
	if len(body.Sort) != 1 || body.Sort[0]["@timestamp"]["order"] != "desc" {
		t.Errorf("expected newest-first sort, got %v", body.Sort)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if e := events[0]; e.EventID != "doc-1" || e.SourceIP != "10.9.8.7" || e.Severity != event.SeverityCritical || e.RuleName != "Port scan" {
		t.Errorf("unexpected first event: %+v", e)
	}
	if e := events[1]; e.SourceIP != "172.16.0.4" || e.Severity != event.SeverityMedium || e.RuleName != "Suspicious PowerShell" {
		t.Errorf("unexpected second event: %+v", e)
	}
}

// TestElastic_DefaultIndexWithoutQuery verifies the default index and a range-only query.
func TestElastic_DefaultIndexWithoutQuery(t *testing.T) {
	var gotPath atomic.Value
	var clauses int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		var body struct {
			Query struct {
				Bool struct {
					Must []json.RawMessage `json:"must"`
				} `json:"bool"`
			} `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		atomic.StoreInt32(&clauses, int32(len(body.Query.Bool.Must)))
		w.Write([]byte(`{"hits":{"total":0}}`))
	}))
	defer server.Close()

	clock := testNow
	c := NewElasticConnector(server.URL, "key", testOptions(&clock))
	events, err := c.FetchLogs(context.Background(), FetchParams{})
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("missing hits list should yield no events, got %d", len(events))
	}
	if got := gotPath.Load(); got != "/filebeat-*/_search" {
		t.Errorf("unexpected default index path %v", got)
	}
	if got := atomic.LoadInt32(&clauses); got != 1 {
		t.Errorf("expected only the range clause, got %d", got)
	}
}

// TestElastic_NormalizeSeverity verifies numeric and word severities.
func TestElastic_NormalizeSeverity(t *testing.T) {
	clock := testNow
	c := NewElasticConnector("http://elastic.invalid", "key", testOptions(&clock))

	tests := []struct {
		severity string
		want     event.Severity
	}{
		{`0`, event.SeverityLow},
		{`3`, event.SeverityLow},
		{`4`, event.SeverityMedium},
		{`6`, event.SeverityMedium},
		{`7`, event.SeverityHigh},
		{`8`, event.SeverityHigh},
		{`9`, event.SeverityCritical},
		{`10`, event.SeverityCritical},
		{`"info"`, event.SeverityLow},
		{`"low"`, event.SeverityLow},
		{`"warning"`, event.SeverityMedium},
		{`"error"`, event.SeverityHigh},
		{`"high"`, event.SeverityHigh},
		{`"critical"`, event.SeverityCritical},
		{`"unheard-of"`, event.SeverityMedium},
		{`true`, event.SeverityMedium},
	}
	for _, tt := range tests {
		raw := json.RawMessage(`{"_id":"x","_source":{"event":{"severity":` + tt.severity + `}}}`)
		ev, err := c.NormalizeLog(raw)
		if err != nil {
			t.Fatalf("NormalizeLog: %v", err)
		}
		if ev.Severity != tt.want {
			t.Errorf("severity %s: expected %s, got %s", tt.severity, tt.want, ev.Severity)
		}
	}

	ev, _ := c.NormalizeLog(json.RawMessage(`{"_id":"x","_source":{}}`))
	if ev.Severity != event.SeverityMedium {
		t.Errorf("absent severity should be medium, got %s", ev.Severity)
	}
}

// TestElastic_NormalizeSourceIPPriority verifies source.ip, client.ip, host.ip order.
func TestElastic_NormalizeSourceIPPriority(t *testing.T) {
	clock := testNow
	c := NewElasticConnector("http://elastic.invalid", "key", testOptions(&clock))

	tests := []struct {
		source string
		want   string
	}{
		{`{"source":{"ip":"1.1.1.1"},"client":{"ip":"2.2.2.2"},"host":{"ip":"3.3.3.3"}}`, "1.1.1.1"},
		{`{"client":{"ip":"2.2.2.2"},"host":{"ip":"3.3.3.3"}}`, "2.2.2.2"},
		{`{"host":{"ip":["3.3.3.3"]}}`, "3.3.3.3"},
		{`{"host":{"ip":[]}}`, event.UnknownIP},
		{`{}`, event.UnknownIP},
	}
	for _, tt := range tests {
		ev, err := c.NormalizeLog(json.RawMessage(`{"_id":"x","_source":` + tt.source + `}`))
		if err != nil {
			t.Fatalf("NormalizeLog: %v", err)
		}
		if ev.SourceIP != tt.want {
			t.Errorf("source %s: expected %q, got %q", tt.source, tt.want, ev.SourceIP)
		}
	}
}

// TestElastic_TestConnection verifies version and cluster details.
func TestElastic_TestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "ApiKey key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"cluster_name":"soc-prod","version":{"number":"8.13.2"}}`))
	}))
	defer server.Close()

	clock := testNow
	res := NewElasticConnector(server.URL, "key", testOptions(&clock)).TestConnection(context.Background())
	if !res.Success || res.Details["version"] != "8.13.2" || res.Details["cluster_name"] != "soc-prod" {
		t.Errorf("unexpected result %+v", res)
	}

	res = NewElasticConnector(server.URL, "wrong", testOptions(&clock)).TestConnection(context.Background())
	if res.Success || res.Details["error_type"] != "AuthenticationError" {
		t.Errorf("expected authentication failure, got %+v", res)
	}
}
