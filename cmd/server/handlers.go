package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/api/gateway"
	"github.com/lvonguyen/labelforge/internal/classify"
	"github.com/lvonguyen/labelforge/internal/enrichment"
	"github.com/lvonguyen/labelforge/internal/evaluation"
	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/ingestion"
	"github.com/lvonguyen/labelforge/internal/mitre"
	"github.com/lvonguyen/labelforge/internal/siem"
	"github.com/lvonguyen/labelforge/internal/store"
)

const (
	defaultUnverifiedLimit = 50
	maxBatchEvents         = 1000
)

// server holds the wired components behind the HTTP API.
type server struct {
	store      store.Store
	orch       *classify.Orchestrator
	engine     *evaluation.Engine
	ingester   *siem.Ingester
	connectors map[event.Source]siem.Connector
	fetch      siem.FetchParams
	catalogue  *mitre.Catalogue
	intel      *enrichment.Enricher
	hec        *ingestion.HECReceiver
	limiter    *gateway.RateLimiter
	metrics    http.Handler
	logger     *zap.Logger
	timeout    time.Duration
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.timeout > 0 {
			r.Use(middleware.Timeout(s.timeout))
		}
		if s.limiter != nil {
			r = r.With(s.limiter.Middleware(tierOf, clientIDOf, routePattern))
		}

		r.Post("/siem/ingest", s.handleIngestAll)
		r.Post("/siem/{type}/test", s.handleSIEMTest)
		r.Post("/siem/{type}/ingest", s.handleSIEMIngest)

		r.Post("/ml/classify/{id}", s.handleClassify)
		r.Post("/ml/analyze/{id}", s.handleAnalyze)
		r.Post("/ml/batch-classify", s.handleBatchClassify)
		r.Post("/ml/verify/{id}", s.handleVerify)
		r.Post("/ml/reload", s.handleReload)
		r.Get("/ml/status", s.handleStatus)
		r.Post("/ml/metrics/update", s.handleMetricsUpdate)
		r.Get("/ml/metrics", s.handleMetrics)
		r.Get("/ml/unverified", s.handleUnverified)

		r.Get("/events/{id}/intel", s.handleIntel)
		r.Get("/mitre/tactics", s.handleTactics)
	})

	// HEC-compatible endpoints (for Splunk integration)
	if s.hec != nil {
		r.Mount("/services/collector", s.hec.Routes())
	}

	return r
}

// requestLogger logs each request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func tierOf(*http.Request) string { return "basic" }

func clientIDOf(r *http.Request) string { return r.Header.Get("X-Client-ID") }

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Health and readiness handlers

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SIEM handlers

type ingestRequest struct {
	Limit     int    `json:"limit"`
	Query     string `json:"query"`
	TimeRange string `json:"time_range"`
	Index     string `json:"index"`
}

func (s *server) fetchParams(r *http.Request) (siem.FetchParams, error) {
	params := s.fetch
	if r.ContentLength == 0 {
		return params, nil
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return params, errors.New("invalid request body")
	}
	if req.Limit > 0 {
		params.Limit = req.Limit
	}
	if req.Query != "" {
		params.Query = req.Query
	}
	if req.Index != "" {
		params.Index = req.Index
	}
	if req.TimeRange != "" {
		d, err := time.ParseDuration(req.TimeRange)
		if err != nil || d <= 0 {
			return params, errors.New("time_range must be a positive duration such as 30m")
		}
		params.TimeRange = d
	}
	return params, nil
}

// connector resolves the {type} parameter. Unknown types are a client error;
// known but disabled vendors are not found.
func (s *server) connector(w http.ResponseWriter, r *http.Request) (siem.Connector, bool) {
	name := chi.URLParam(r, "type")
	vendor := event.Source(strings.ToLower(name))
	if !slices.Contains(siem.SupportedVendors(), vendor) {
		writeError(w, http.StatusBadRequest, &siem.UnsupportedVendorError{Type: name})
		return nil, false
	}
	c, ok := s.connectors[vendor]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "SIEM " + name + " is not enabled"})
		return nil, false
	}
	return c, true
}

func (s *server) handleSIEMTest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.connector(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.TestConnection(r.Context()))
}

func (s *server) handleSIEMIngest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.connector(w, r)
	if !ok {
		return
	}
	params, err := s.fetchParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res := s.ingester.Run(r.Context(), []siem.Connector{c}, params)[0]
	if res.Err != nil {
		writeJSON(w, ingestStatus(res.Err), map[string]any{
			"result":     res,
			"error_type": siem.ErrorType(res.Err),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleIngestAll(w http.ResponseWriter, r *http.Request) {
	params, err := s.fetchParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	connectors := make([]siem.Connector, 0, len(s.connectors))
	for _, vendor := range siem.SupportedVendors() {
		if c, ok := s.connectors[vendor]; ok {
			connectors = append(connectors, c)
		}
	}
	results := s.ingester.Run(r.Context(), connectors, params)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"vendors": len(results),
		"failed":  failed,
	})
}

// ingestStatus maps a vendor failure onto a gateway status.
func ingestStatus(err error) int {
	var rateErr *siem.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Classification handlers

func (s *server) loadEvent(w http.ResponseWriter, r *http.Request) (*event.Event, bool) {
	e, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return e, true
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	out := s.orch.Classify(r.Context(), e)
	if !out.Success {
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	if err := s.store.Update(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": out, "event": e})
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	analysis, err := s.orch.AnalyzeEvent(r.Context(), e)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type batchRequest struct {
	EventIDs []string `json:"event_ids"`
}

func (s *server) handleBatchClassify(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.EventIDs) > maxBatchEvents {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many event_ids, maximum is " + strconv.Itoa(maxBatchEvents)})
		return
	}

	ctx := r.Context()
	events := make([]*event.Event, 0, len(req.EventIDs))
	var missing []string
	for _, id := range req.EventIDs {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
				missing = append(missing, id)
				continue
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		events = append(events, e)
	}

	summary := s.orch.BatchClassify(ctx, events)
	for i, out := range summary.Results {
		if !out.Success {
			continue
		}
		if err := s.store.Update(ctx, events[i]); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "missing": missing})
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var c event.Corrections
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	if err := s.orch.Verify(r.Context(), e, c); err != nil {
		if errors.Is(err, classify.ErrNotClassified) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.Update(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Reload(r.Context()))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status(r.Context()))
}

// Metrics handlers

type windowRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

func (s *server) handleMetricsUpdate(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	rec, err := s.engine.Evaluate(r.Context(), evaluation.Window{Start: req.Start, End: req.End})
	switch {
	case errors.Is(err, evaluation.ErrNoVerifiedEvents), errors.Is(err, evaluation.ErrNoComparableEvents):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	history := 0
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "history must be a non-negative integer"})
			return
		}
		history = n
	}

	latest, err := s.store.LatestPerformance(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no performance metrics recorded"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{"latest": latest}
	if history > 0 {
		records, err := s.store.ListPerformance(r.Context(), history)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["history"] = records
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleUnverified(w http.ResponseWriter, r *http.Request) {
	limit := defaultUnverifiedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := s.store.ListUnverified(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *server) handleTactics(w http.ResponseWriter, r *http.Request) {
	tactics := s.catalogue.Tactics()
	writeJSON(w, http.StatusOK, map[string]any{"tactics": tactics, "count": len(tactics)})
}

func (s *server) handleIntel(w http.ResponseWriter, r *http.Request) {
	if s.intel == nil {
		writeError(w, http.StatusNotFound, errors.New("threat intel enrichment is not enabled"))
		return
	}
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.intel.Lookup(r.Context(), e))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
