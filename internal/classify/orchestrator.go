package classify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/mitre"
	"github.com/lvonguyen/labelforge/internal/notify"
	"github.com/lvonguyen/labelforge/internal/observability"
)

var tracer = otel.Tracer("labelforge/classify")

// ErrNotClassified is returned when verifying an event no provider has processed.
var ErrNotClassified = errors.New("event has not been ML-processed")

// Options configures an Orchestrator. Zero values use defaults.
type Options struct {
	Settings  SettingsSource
	Catalogue *mitre.Catalogue
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Publisher notify.Publisher
	CacheTTL  time.Duration
	CacheSize int
	Now       func() time.Time

	// NewProvider overrides provider construction.
	NewProvider func(ProviderConfig) (Provider, error)
}

// Orchestrator owns the active provider and applies the confidence policy.
// Settings load lazily on first use and again on Reload.
type Orchestrator struct {
	source      SettingsSource
	catalogue   *mitre.Catalogue
	logger      *zap.Logger
	metrics     *observability.Metrics
	publisher   notify.Publisher
	now         func() time.Time
	newProvider func(ProviderConfig) (Provider, error)
	cache       *resultCache

	mu             sync.RWMutex
	loaded         bool
	settings       Settings
	provider       Provider
	fallbackReason string
	loadedAt       time.Time
}

// Outcome is the per-event result of Classify and BatchClassify.
type Outcome struct {
	EventID        string                `json:"event_id"`
	Success        bool                  `json:"success"`
	Classification *event.Classification `json:"classification,omitempty"`
	Confidence     float64               `json:"confidence"`
	Applied        bool                  `json:"applied"`
	Error          string                `json:"error,omitempty"`
}

// BatchSummary aggregates a BatchClassify call.
type BatchSummary struct {
	Success               bool      `json:"success"`
	ProcessedEvents       int       `json:"processed_events"`
	Succeeded             int       `json:"succeeded"`
	Failed                int       `json:"failed"`
	Applied               int       `json:"applied"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	Cached                bool      `json:"cached"`
	Results               []Outcome `json:"results"`
	Error                 string    `json:"error,omitempty"`
}

// Analysis is a classification computed without touching the event.
type Analysis struct {
	Labels       event.Classification `json:"labels"`
	Confidence   float64              `json:"confidence"`
	ClassifiedAt time.Time            `json:"classified_at"`
}

// Status describes the loaded configuration and active provider.
type Status struct {
	Provider       string               `json:"provider"`
	Fallback       bool                 `json:"fallback"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
	Settings       Settings             `json:"settings"`
	Connection     event.ConnectionTest `json:"connection"`
	ModelInfo      ModelInfo            `json:"model_info"`
	CacheEntries   int                  `json:"cache_entries"`
	LoadedAt       time.Time            `json:"loaded_at"`
}

// NewOrchestrator creates an orchestrator. Nothing is loaded until first use.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		source:      opts.Settings,
		catalogue:   opts.Catalogue,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		publisher:   opts.Publisher,
		now:         opts.Now,
		newProvider: opts.NewProvider,
		cache:       newResultCache(opts.CacheSize, opts.CacheTTL),
	}
	if o.source == nil {
		o.source = StaticSource(DefaultSettings())
	}
	if o.catalogue == nil {
		o.catalogue = mitre.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.publisher == nil {
		o.publisher = notify.Nop{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newProvider == nil {
		o.newProvider = NewProvider
	}
	return o
}

// Reload re-reads settings and rebuilds the provider. A failing settings
// source yields DefaultSettings and a failing provider yields RandomProvider.
func (o *Orchestrator) Reload(ctx context.Context) Status {
	settings, err := o.source.Load(ctx)
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		o.logger.Error("Loading classification settings failed, using defaults", zap.Error(err))
		settings = DefaultSettings()
	}

	cfg := settings.providerConfig()
	cfg.Catalogue = o.catalogue
	cfg.Logger = o.logger

	var fallbackReason string
	provider, err := o.newProvider(cfg)
	if err != nil {
		o.logger.Error("Provider initialization failed",
			zap.String("model_type", string(settings.ModelType)),
			zap.Error(err),
		)
		o.logger.Info("Falling back to random provider")
		if o.metrics != nil {
			o.metrics.ProviderFallback.Inc()
		}
		fallbackReason = err.Error()
		provider = NewRandomProvider(settings.Seed, o.catalogue)
	}

	if tc := provider.TestConnection(ctx); !tc.Success {
		o.logger.Warn("Provider connection test failed",
			zap.String("provider", provider.Name()),
			zap.String("message", tc.Message),
		)
	}

	o.mu.Lock()
	o.settings = settings
	o.provider = provider
	o.fallbackReason = fallbackReason
	o.loaded = true
	o.loadedAt = o.now().UTC()
	o.mu.Unlock()
	o.cache.purge()

	o.logger.Info("Classification provider loaded",
		zap.String("provider", provider.Name()),
		zap.Float64("min_confidence_threshold", settings.MinConfidenceThreshold),
		zap.Bool("auto_apply_labels", settings.AutoApplyLabels),
		zap.Bool("verification_required", settings.VerificationRequired),
	)
	return o.Status(ctx)
}

// state returns the active settings and provider, loading them if needed.
// Concurrent first callers may each reload; the result is the same.
func (o *Orchestrator) state(ctx context.Context) (Settings, Provider) {
	o.mu.RLock()
	if o.loaded {
		defer o.mu.RUnlock()
		return o.settings, o.provider
	}
	o.mu.RUnlock()

	o.Reload(ctx)

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings, o.provider
}

// Settings returns the active settings.
func (o *Orchestrator) Settings(ctx context.Context) Settings {
	s, _ := o.state(ctx)
	return s
}

// Status reports the active configuration and provider health.
func (o *Orchestrator) Status(ctx context.Context) Status {
	settings, provider := o.state(ctx)

	o.mu.RLock()
	reason, loadedAt := o.fallbackReason, o.loadedAt
	o.mu.RUnlock()

	return Status{
		Provider:       provider.Name(),
		Fallback:       reason != "",
		FallbackReason: reason,
		Settings:       settings,
		Connection:     provider.TestConnection(ctx),
		ModelInfo:      provider.ModelInfo(ctx),
		CacheEntries:   o.cache.len(),
		LoadedAt:       loadedAt,
	}
}

// TestConnection checks the active provider.
func (o *Orchestrator) TestConnection(ctx context.Context) event.ConnectionTest {
	_, provider := o.state(ctx)
	return provider.TestConnection(ctx)
}

// ModelInfo describes the active provider's model.
func (o *Orchestrator) ModelInfo(ctx context.Context) ModelInfo {
	_, provider := o.state(ctx)
	return provider.ModelInfo(ctx)
}

// Classify classifies e and applies the labels when the confidence reaches the
// threshold and auto-apply is enabled.
func (o *Orchestrator) Classify(ctx context.Context, e *event.Event) Outcome {
	ctx, span := tracer.Start(ctx, "classify.Classify")
	defer span.End()

	settings, provider := o.state(ctx)
	span.SetAttributes(attribute.String("provider", provider.Name()))

	if e == nil {
		return Outcome{Success: false, Error: "event is nil"}
	}
	span.SetAttributes(attribute.String("event.key", e.Key()))

	out := o.apply(e, provider.ClassifyEvent(ctx, e), settings, provider.Name())
	if !out.Success {
		span.SetStatus(codes.Error, out.Error)
		o.logger.Warn("Classification failed",
			zap.String("event_id", e.EventID),
			zap.String("provider", provider.Name()),
			zap.String("error", out.Error),
		)
		return out
	}

	span.SetAttributes(
		attribute.Float64("confidence", out.Confidence),
		attribute.Bool("applied", out.Applied),
	)
	o.publishClassified(ctx, e, out.Applied)
	return out
}

// BatchClassify classifies events in one provider call. Results keep input
// order and a failure for one event never aborts the others. Fully successful
// provider results are cached by the ordered event keys.
func (o *Orchestrator) BatchClassify(ctx context.Context, events []*event.Event) BatchSummary {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "classify.BatchClassify", trace.WithAttributes(
		attribute.Int("events", len(events)),
	))
	defer span.End()

	if len(events) == 0 {
		return BatchSummary{Success: false, Results: []Outcome{}, Error: "no events to classify"}
	}

	settings, provider := o.state(ctx)
	outcomes := make([]Outcome, len(events))

	live := make([]*event.Event, 0, len(events))
	index := make([]int, 0, len(events))
	for i, e := range events {
		if e == nil {
			outcomes[i] = Outcome{Success: false, Error: "event is nil"}
			continue
		}
		live = append(live, e)
		index = append(index, i)
	}

	key := batchKey(live)
	results, cached := o.cache.get(key)
	if cached {
		o.logger.Debug("Using cached batch classification", zap.Int("events", len(live)))
		if o.metrics != nil {
			o.metrics.CacheHits.Inc()
		}
	} else if len(live) > 0 {
		callStart := time.Now()
		results = alignResults(provider.BatchClassify(ctx, live), len(live))
		if o.metrics != nil {
			o.metrics.BatchDuration.Observe(time.Since(callStart).Seconds())
		}
		if allSucceeded(results) {
			o.cache.add(key, results)
		}
	}

	summary := BatchSummary{Success: true, ProcessedEvents: len(events), Cached: cached}
	for j, i := range index {
		outcomes[i] = o.apply(live[j], results[j], settings, provider.Name())
		if outcomes[i].Success {
			o.publishClassified(ctx, live[j], outcomes[i].Applied)
		}
	}
	for _, out := range outcomes {
		switch {
		case !out.Success:
			summary.Failed++
		case out.Applied:
			summary.Succeeded++
			summary.Applied++
		default:
			summary.Succeeded++
		}
	}
	summary.Results = outcomes
	summary.ProcessingTimeSeconds = time.Since(start).Seconds()

	span.SetAttributes(
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
		attribute.Bool("cached", cached),
	)
	o.logger.Info("Batch classification complete",
		zap.Int("events", summary.ProcessedEvents),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("applied", summary.Applied),
		zap.Bool("cached", cached),
		zap.Float64("processing_time_seconds", summary.ProcessingTimeSeconds),
	)
	return summary
}

// Verify records an analyst's verdict on an ML-processed event. The machine
// decision is kept in the event's ml_* shadow fields.
func (o *Orchestrator) Verify(ctx context.Context, e *event.Event, c event.Corrections) error {
	ctx, span := tracer.Start(ctx, "classify.Verify")
	defer span.End()

	if e == nil {
		return fmt.Errorf("verify: event is nil")
	}
	span.SetAttributes(attribute.String("event.key", e.Key()))
	if !e.MLProcessed {
		span.SetStatus(codes.Error, ErrNotClassified.Error())
		return fmt.Errorf("verify %s: %w", e.Key(), ErrNotClassified)
	}

	e.Verify(c, o.now())

	if err := o.publisher.PublishVerified(ctx, e); err != nil {
		o.logger.Warn("Publishing verification failed", zap.String("event_id", e.EventID), zap.Error(err))
	}
	return nil
}

// AnalyzeEvent classifies e without modifying it. Absent labels are filled
// with defaults.
func (o *Orchestrator) AnalyzeEvent(ctx context.Context, e *event.Event) (Analysis, error) {
	_, provider := o.state(ctx)
	if e == nil {
		return Analysis{}, fmt.Errorf("analyze: event is nil")
	}

	res := provider.ClassifyEvent(ctx, e)
	if !res.Success {
		return Analysis{}, fmt.Errorf("analyze %s: %s", e.Key(), res.Error)
	}

	labels := res.Classification.Clone()
	if labels.TruePositive == nil {
		labels.TruePositive = event.Bool(false)
	}
	if labels.AttackType == "" {
		labels.AttackType = "Unknown"
	}
	if labels.Tags == nil {
		labels.Tags = []string{}
	}
	return Analysis{
		Labels:       labels,
		Confidence:   clampConfidence(res.Confidence),
		ClassifiedAt: o.now().UTC(),
	}, nil
}

// apply records a provider result on e and applies labels per settings.
// Events already verified by an analyst keep their labels.
func (o *Orchestrator) apply(e *event.Event, res Result, s Settings, providerName string) Outcome {
	out := Outcome{EventID: e.EventID}
	if !res.Success {
		out.Error = res.Error
		if out.Error == "" {
			out.Error = "classification failed"
		}
		o.countClassification(providerName, "failure")
		return out
	}

	confidence := clampConfidence(res.Confidence)
	e.RecordClassification(res.Classification, confidence, o.now())

	if confidence >= s.MinConfidenceThreshold && s.AutoApplyLabels && e.VerifiedAt == nil {
		e.ApplyLabels(res.Classification)
		e.HumanVerified = !s.VerificationRequired
		out.Applied = true
		if o.metrics != nil {
			o.metrics.LabelsApplied.Inc()
		}
	}

	labels := res.Classification.Clone()
	out.Success = true
	out.Classification = &labels
	out.Confidence = confidence
	o.countClassification(providerName, "success")
	return out
}

func (o *Orchestrator) countClassification(provider, outcome string) {
	if o.metrics != nil {
		o.metrics.Classifications.WithLabelValues(provider, outcome).Inc()
	}
}

func (o *Orchestrator) publishClassified(ctx context.Context, e *event.Event, applied bool) {
	if err := o.publisher.PublishClassified(ctx, e, applied); err != nil {
		o.logger.Warn("Publishing classification failed", zap.String("event_id", e.EventID), zap.Error(err))
	}
}

// alignResults pads or truncates provider output to n items.
func alignResults(results []Result, n int) []Result {
	if len(results) == n {
		return results
	}
	out := make([]Result, n)
	for i := range out {
		if i < len(results) {
			out[i] = results[i]
			continue
		}
		out[i] = failed("no result returned for event")
	}
	return out
}

func allSucceeded(results []Result) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
