// Package ingestion accepts events pushed over the Splunk HTTP Event Collector
// protocol and forwards labeled events back to a Splunk index.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/observability"
	"github.com/lvonguyen/labelforge/internal/siem"
)

// HEC status codes returned in the response body.
const (
	codeSuccess      = 0
	codeInvalidToken = 4
	codeInvalidData  = 6
	codeServerBusy   = 8
	codeHealthy      = 17
)

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	mu      sync.RWMutex
	stats   ReceiverStats
	now     func() time.Time
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver. A zero MaxEventSize or
// MaxBatchSize takes the default.
func NewHECReceiver(config ReceiverConfig, handler EventHandler) *HECReceiver {
	d := DefaultReceiverConfig()
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = d.MaxEventSize
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = d.MaxBatchSize
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		now:     time.Now,
	}
}

// Routes returns the collector endpoints, to be mounted at /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		return
	}

	// Parse events (may be multiple JSON objects or newline-delimited)
	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		return
	}

	r.deliver(w, req, events, len(body))
}

// handleRaw treats every non-empty line as one event.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, min(64*1024, r.config.MaxEventSize)), r.config.MaxEventSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(events) == r.config.MaxBatchSize {
			writeHEC(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds maximum size of %d events", r.config.MaxBatchSize), codeInvalidData)
			return
		}
		events = append(events, HECEvent{
			Event:      line,
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
			// Raw lines carry no identifier and identical lines are distinct events.
			Fields: map[string]any{"event_id": uuid.NewString()},
		})
	}
	if err := scanner.Err(); err != nil {
		writeHEC(w, http.StatusBadRequest, fmt.Sprintf("error reading raw events: %v", err), codeInvalidData)
		return
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", codeInvalidData)
		return
	}

	r.deliver(w, req, events, len(body))
}

func (r *HECReceiver) deliver(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = r.now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			writeHEC(w, http.StatusInternalServerError, "Error processing events", codeServerBusy)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", codeSuccess)
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", codeHealthy)
}

// validateToken checks the Authorization header. An unset token rejects
// every request, and query-string tokens are never accepted.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Splunk ")
	return ok && token == expectedToken
}

func (r *HECReceiver) readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		return nil, errors.New("error reading body")
	}
	if len(body) > r.config.MaxEventSize {
		return nil, fmt.Errorf("body exceeds maximum size of %d bytes", r.config.MaxEventSize)
	}
	return body, nil
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		if len(events) == r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
		var e HECEvent
		if err := decoder.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, e)
	}

	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

// ===========================================================================
// Normalization into canonical events
// ===========================================================================

// Normalizer converts one vendor record into a canonical event.
type Normalizer interface {
	NormalizeLog(raw json.RawMessage) (*event.Event, error)
}

// Record flattens a HEC envelope into the field layout of a Splunk search
// result: object payloads keep their keys, string payloads become _raw, and
// envelope metadata fills fields the payload does not set.
func (e HECEvent) Record() (json.RawMessage, error) {
	record := map[string]any{}
	switch payload := e.Event.(type) {
	case map[string]any:
		for k, v := range payload {
			record[k] = v
		}
	case nil:
	default:
		record["_raw"] = payload
	}
	for k, v := range e.Fields {
		setDefault(record, k, v)
	}
	if e.Time > 0 {
		setDefault(record, "_time", e.Time)
	}
	if e.Host != "" {
		setDefault(record, "host", e.Host)
	}
	if e.Source != "" {
		setDefault(record, "source", e.Source)
	}
	if e.SourceType != "" {
		setDefault(record, "sourcetype", e.SourceType)
	}
	if e.Index != "" {
		setDefault(record, "index", e.Index)
	}
	return json.Marshal(record)
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

// StoreHandler normalizes received events and saves them, counting
// duplicates. Events that fail to normalize are logged and skipped.
func StoreHandler(normalizer Normalizer, sink siem.Sink, logger *zap.Logger, metrics *observability.Metrics) EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, events []HECEvent) error {
		normalized := make([]*event.Event, 0, len(events))
		for _, e := range events {
			raw, err := e.Record()
			if err != nil {
				logger.Warn("Failed to encode HEC event", zap.Error(err))
				continue
			}
			ev, err := normalizer.NormalizeLog(raw)
			if err != nil {
				logger.Warn("Failed to normalize HEC event", zap.Error(err))
				continue
			}
			normalized = append(normalized, ev)
		}
		if len(normalized) == 0 {
			return nil
		}

		saved, duplicates, err := sink.SaveEvents(ctx, normalized)
		if metrics != nil {
			metrics.EventsIngested.WithLabelValues(string(event.SourceSplunk)).Add(float64(saved))
			metrics.EventsDuplicate.WithLabelValues(string(event.SourceSplunk)).Add(float64(duplicates))
		}
		if err != nil {
			return fmt.Errorf("saving HEC events: %w", err)
		}
		logger.Debug("Stored HEC events",
			zap.Int("received", len(events)),
			zap.Int("saved", saved),
			zap.Int("duplicates", duplicates),
		)
		return nil
	}
}
