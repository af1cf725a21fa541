package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/classify"
	"github.com/lvonguyen/labelforge/internal/enrichment"
	"github.com/lvonguyen/labelforge/internal/evaluation"
	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/ingestion"
	"github.com/lvonguyen/labelforge/internal/mitre"
	"github.com/lvonguyen/labelforge/internal/siem"
	"github.com/lvonguyen/labelforge/internal/store"
)

// newTestServer wires the API over an in-memory store and a seeded random
// classifier whose labels are always applied. opts adjust the server before
// routes are built.
func newTestServer(t *testing.T, opts ...func(*server)) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	mem := store.NewMemoryStore()
	catalogue := mitre.Default()
	orch := classify.NewOrchestrator(classify.Options{
		Settings: classify.StaticSource(classify.Settings{
			ModelType:            classify.ModelRandom,
			AutoApplyLabels:      true,
			VerificationRequired: true,
			Seed:                 7,
		}),
		Catalogue: catalogue,
	})
	pool := siem.NewPool(2, 4)
	t.Cleanup(pool.Close)

	t.Setenv("TEST_HEC_TOKEN", "test-token")
	normalizer := siem.NewSplunkConnector("https://splunk.example:8089", "", siem.Options{})

	srv := &server{
		store:      mem,
		orch:       orch,
		engine:     evaluation.NewEngine(mem, orch, evaluation.Options{}),
		ingester:   siem.NewIngester(pool, mem, nil, nil),
		connectors: map[event.Source]siem.Connector{},
		catalogue:  catalogue,
		hec: ingestion.NewHECReceiver(ingestion.ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN"},
			ingestion.StoreHandler(normalizer, mem, nil, nil)),
		logger:  zap.NewNop(),
		timeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(srv)
	}

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	_, _, err := mem.SaveEvents(context.Background(), []*event.Event{
		{EventID: "100", SIEMSource: event.SourceWazuh, RuleName: "sshd: authentication failed", SourceIP: "10.0.0.5", Severity: event.SeverityHigh, Timestamp: time.Now()},
		{EventID: "101", SIEMSource: event.SourceWazuh, RuleName: "Port scan detected", SourceIP: "10.0.0.6", Severity: event.SeverityMedium, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}
	return ts, mem
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// ===========================================================================
// Health Tests
// ===========================================================================

// TestHealthAndReady verifies the liveness and readiness endpoints.
func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health: %d %v", code, body)
	}
	code, body = do(t, http.MethodGet, ts.URL+"/ready", "")
	if code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready: %d %v", code, body)
	}
}

// ===========================================================================
// Classification Tests
// ===========================================================================

// TestClassify verifies classification persists labels and maps lookup errors.
func TestClassify(t *testing.T) {
	ts, mem := newTestServer(t)

	tests := []struct {
		name     string
		id       string
		wantCode int
	}{
		{"stored event", "wazuh:100", http.StatusOK},
		{"unknown event", "wazuh:999", http.StatusNotFound},
		{"malformed key", "wazuh", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, http.MethodPost, ts.URL+"/api/v1/ml/classify/"+tt.id, "")
			if code != tt.wantCode {
				t.Errorf("expected %d, got %d: %v", tt.wantCode, code, body)
			}
		})
	}

	e, err := mem.Get(context.Background(), "wazuh:100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.MLProcessed || e.MLLabels == nil || e.TruePositive == nil {
		t.Errorf("expected applied labels to be persisted, got %+v", e)
	}
}

// TestAnalyze verifies analysis leaves the stored event untouched.
func TestAnalyze(t *testing.T) {
	ts, mem := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/api/v1/ml/analyze/wazuh:100", "")
	if code != http.StatusOK || body["labels"] == nil {
		t.Fatalf("analyze: %d %v", code, body)
	}
	e, _ := mem.Get(context.Background(), "wazuh:100")
	if e.MLProcessed {
		t.Error("analysis should not mark the event processed")
	}
}

// TestBatchClassify verifies missing IDs are reported and the rest classified.
func TestBatchClassify(t *testing.T) {
	ts, mem := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/api/v1/ml/batch-classify",
		`{"event_ids":["wazuh:100","wazuh:101","wazuh:404"]}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, body)
	}
	missing, _ := body["missing"].([]any)
	if len(missing) != 1 || missing[0] != "wazuh:404" {
		t.Errorf("unexpected missing list %v", body["missing"])
	}
	summary, _ := body["summary"].(map[string]any)
	if summary["processed_events"] != float64(2) || summary["succeeded"] != float64(2) {
		t.Errorf("unexpected summary %v", summary)
	}
	for _, id := range []string{"wazuh:100", "wazuh:101"} {
		if e, _ := mem.Get(context.Background(), id); !e.MLProcessed {
			t.Errorf("%s not persisted as processed", id)
		}
	}

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/v1/ml/batch-classify", `not json`); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", code)
	}
}

// TestVerify verifies the analyst verdict requires a prior classification.
func TestVerify(t *testing.T) {
	ts, mem := newTestServer(t)
	url := ts.URL + "/api/v1/ml/verify/wazuh:100"
	verdict := `{"true_positive":false,"attack_type":"Benign","verification_comment":"scanner"}`

	if code, _ := do(t, http.MethodPost, url, verdict); code != http.StatusConflict {
		t.Errorf("expected 409 before classification, got %d", code)
	}

	do(t, http.MethodPost, ts.URL+"/api/v1/ml/classify/wazuh:100", "")
	code, body := do(t, http.MethodPost, url, verdict)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, body)
	}

	e, _ := mem.Get(context.Background(), "wazuh:100")
	if !e.HumanVerified || e.AttackType != "Benign" || e.VerificationComment != "scanner" {
		t.Errorf("verdict not persisted: %+v", e)
	}
	if e.TruePositive == nil || *e.TruePositive {
		t.Error("expected analyst true_positive=false")
	}
}

// TestUnverified verifies the review queue and its limit parameter.
func TestUnverified(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/api/v1/ml/classify/wazuh:100", "")

	code, body := do(t, http.MethodGet, ts.URL+"/api/v1/ml/unverified", "")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("unverified: %d %v", code, body)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/api/v1/ml/unverified?limit=0", ""); code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", code)
	}
}

// TestStatusAndReload verifies the active provider is reported.
func TestStatusAndReload(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/api/v1/ml/reload", "")
	if code != http.StatusOK || body["provider"] != "random" {
		t.Errorf("reload: %d %v", code, body)
	}
	code, body = do(t, http.MethodGet, ts.URL+"/api/v1/ml/status", "")
	if code != http.StatusOK || body["fallback"] != false {
		t.Errorf("status: %d %v", code, body)
	}
}

// ===========================================================================
// Metrics Tests
// ===========================================================================

// TestMetricsUpdate verifies snapshots need verified events and are then
// served as the latest record.
func TestMetricsUpdate(t *testing.T) {
	ts, _ := newTestServer(t)

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/v1/ml/metrics/update", ""); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without verified events, got %d", code)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/api/v1/ml/metrics", ""); code != http.StatusNotFound {
		t.Errorf("expected 404 before any snapshot, got %d", code)
	}

	for _, id := range []string{"wazuh:100", "wazuh:101"} {
		do(t, http.MethodPost, ts.URL+"/api/v1/ml/classify/"+id, "")
		do(t, http.MethodPost, ts.URL+"/api/v1/ml/verify/"+id, `{"true_positive":true}`)
	}

	code, body := do(t, http.MethodPost, ts.URL+"/api/v1/ml/metrics/update", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, body)
	}
	if body["events_evaluated"] != float64(2) {
		t.Errorf("expected 2 events evaluated, got %v", body["events_evaluated"])
	}

	code, body = do(t, http.MethodGet, ts.URL+"/api/v1/ml/metrics?history=5", "")
	if code != http.StatusOK || body["latest"] == nil {
		t.Fatalf("metrics: %d %v", code, body)
	}
	if history, _ := body["history"].([]any); len(history) != 1 {
		t.Errorf("expected 1 historical record, got %v", body["history"])
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/api/v1/ml/metrics?history=x", ""); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid history, got %d", code)
	}
}

// ===========================================================================
// SIEM Tests
// ===========================================================================

// TestSIEMRoutes verifies vendor resolution on the SIEM endpoints.
func TestSIEMRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"unsupported vendor", "/api/v1/siem/qradar/test", "", http.StatusBadRequest},
		{"disabled vendor", "/api/v1/siem/wazuh/test", "", http.StatusNotFound},
		{"disabled vendor ingest", "/api/v1/siem/elastic/ingest", "", http.StatusNotFound},
		{"ingest all with none enabled", "/api/v1/siem/ingest", "", http.StatusOK},
		{"invalid time range", "/api/v1/siem/ingest", `{"time_range":"soon"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, http.MethodPost, ts.URL+tt.path, tt.body)
			if code != tt.wantCode {
				t.Errorf("expected %d, got %d: %v", tt.wantCode, code, body)
			}
		})
	}
}

// TestIngestStatus verifies vendor failures map onto gateway statuses.
func TestIngestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limited", &siem.RateLimitError{Vendor: "wazuh"}, http.StatusTooManyRequests},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", &siem.ConnectionError{Vendor: "wazuh", Err: context.Canceled}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ingestStatus(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

// ===========================================================================
// HEC and MITRE Tests
// ===========================================================================

// TestHECMount verifies pushed events reach the store through the main router.
func TestHECMount(t *testing.T) {
	ts, mem := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/services/collector/event",
		strings.NewReader(`{"time":1717236000,"event":{"event_id":"hec-1","src_ip":"198.51.100.7","severity":"high","signature":"Malware beacon"}}`))
	req.Header.Set("Authorization", "Splunk test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	e, err := mem.Get(context.Background(), "splunk:hec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.SourceIP != "198.51.100.7" || e.Severity != event.SeverityHigh {
		t.Errorf("unexpected event %+v", e)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/services/collector/health", ""); code != http.StatusOK {
		t.Errorf("expected HEC health 200, got %d", code)
	}
}

// TestTactics verifies the ATT&CK tactic listing.
func TestTactics(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/api/v1/mitre/tactics", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if n, _ := body["count"].(float64); n < 10 {
		t.Errorf("expected the enterprise tactics, got %v", body["count"])
	}
}

// ===========================================================================
// Threat Intel Tests
// ===========================================================================

// TestIntel verifies the intel route is off by default and, when enabled,
// skips internal addresses and reports feed matches for public ones.
func TestIntel(t *testing.T) {
	ts, _ := newTestServer(t)
	code, body := do(t, http.MethodGet, ts.URL+"/api/v1/events/wazuh:100/intel", "")
	if code != http.StatusNotFound || body["error"] != "threat intel enrichment is not enabled" {
		t.Errorf("disabled: %d %v", code, body)
	}

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pulse_info":{"count":1,"pulses":[{"id":"p-1","tags":["botnet"]}]}}`))
	}))
	defer feed.Close()

	t.Setenv("TEST_OTX_KEY", "otx-key")
	otxConfig := enrichment.DefaultOTXConfig()
	otxConfig.APIKeyEnv = "TEST_OTX_KEY"
	otxConfig.BaseURL = feed.URL
	otx, err := enrichment.NewOTXProvider(otxConfig)
	if err != nil {
		t.Fatalf("NewOTXProvider: %v", err)
	}

	ts, mem := newTestServer(t, func(s *server) {
		s.intel = enrichment.NewEnricher([]enrichment.Provider{otx}, enrichment.Options{})
	})
	_, _, err = mem.SaveEvents(context.Background(), []*event.Event{
		{EventID: "102", SIEMSource: event.SourceWazuh, RuleName: "Inbound connection", SourceIP: "203.0.113.9", Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/api/v1/events/wazuh:100/intel", "")
	if code != http.StatusOK || body["skipped"] != "source IP is not publicly routable" {
		t.Errorf("private address: %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/api/v1/events/wazuh:102/intel", "")
	if code != http.StatusOK {
		t.Fatalf("public address: %d %v", code, body)
	}
	matches, _ := body["matches"].([]any)
	if len(matches) != 1 || body["risk_score"] != float64(39) {
		t.Errorf("unexpected report %v", body)
	}

	code, _ = do(t, http.MethodGet, ts.URL+"/api/v1/events/wazuh:999/intel", "")
	if code != http.StatusNotFound {
		t.Errorf("missing event: expected 404, got %d", code)
	}
}
