package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/classify"
	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/observability"
	"github.com/lvonguyen/labelforge/internal/store"
)

const DefaultPageSize = 500

var tracer = otel.Tracer("labelforge/evaluation")

var (
	// ErrNoVerifiedEvents means nothing in the window is both processed and verified.
	ErrNoVerifiedEvents = errors.New("no verified events found for metrics calculation")
	// ErrNoComparableEvents means verified events exist but none carry both verdicts.
	ErrNoComparableEvents = errors.New("no valid data found for metrics calculation")
)

// Source reads verified events and stores snapshots.
type Source interface {
	CountVerified(ctx context.Context, f store.VerifiedFilter) (int, error)
	ListVerified(ctx context.Context, f store.VerifiedFilter) ([]*event.Event, error)
	SavePerformance(ctx context.Context, r *event.PerformanceRecord) error
}

// ModelSource reports the version of the active model.
type ModelSource interface {
	ModelInfo(ctx context.Context) classify.ModelInfo
}

// Window bounds the evaluation by ml_timestamp. Nil ends are open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Engine computes performance snapshots.
type Engine struct {
	source   Source
	models   ModelSource
	pageSize int
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Options configures an Engine.
type Options struct {
	PageSize int
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// NewEngine creates an engine. models may be nil, in which case the model
// version is recorded as "unknown".
func NewEngine(source Source, models ModelSource, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		source:   source,
		models:   models,
		pageSize: opts.PageSize,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// Evaluate compares every verified event in w, stores a new snapshot and
// returns it. Historical snapshots are never modified.
func (e *Engine) Evaluate(ctx context.Context, w Window) (*event.PerformanceRecord, error) {
	ctx, span := tracer.Start(ctx, "evaluation.Evaluate")
	defer span.End()

	rec, err := e.evaluate(ctx, w)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model_version", rec.ModelVersion),
		attribute.Int("events_evaluated", rec.EventsEvaluated),
		attribute.Float64("f1", rec.F1Score),
	)
	return rec, nil
}

func (e *Engine) evaluate(ctx context.Context, w Window) (*event.PerformanceRecord, error) {
	filter := store.VerifiedFilter{Start: w.Start, End: w.End}
	total, err := e.source.CountVerified(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting verified events: %w", err)
	}
	if total == 0 {
		return nil, ErrNoVerifiedEvents
	}

	var overall Confusion
	classes := classTally{}
	read := 0
	for read < total {
		filter.Offset, filter.Limit = read, e.pageSize
		events, err := e.source.ListVerified(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing verified events at offset %d: %w", read, err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if ev.MLTruePositive != nil && ev.TruePositive != nil {
				overall.Add(*ev.MLTruePositive, *ev.TruePositive)
			}
			if ev.MLAttackType != "" && ev.AttackType != "" {
				classes.add(ev.AttackType, ev.MLAttackType)
			}
		}
		read += len(events)
	}

	if overall.Total() == 0 {
		return nil, ErrNoComparableEvents
	}

	scores := Compute(overall)
	rec := &event.PerformanceRecord{
		ID:              uuid.NewString(),
		ModelVersion:    e.modelVersion(ctx),
		Timestamp:       e.now().UTC(),
		TruePositives:   overall.TP,
		FalsePositives:  overall.FP,
		TrueNegatives:   overall.TN,
		FalseNegatives:  overall.FN,
		Accuracy:        scores.Accuracy,
		Precision:       scores.Precision,
		Recall:          scores.Recall,
		F1Score:         scores.F1,
		ClassMetrics:    classes.metrics(),
		EventsEvaluated: overall.Total(),
	}

	if err := e.source.SavePerformance(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving performance record: %w", err)
	}

	if e.metrics != nil {
		e.metrics.ModelF1.WithLabelValues(rec.ModelVersion).Set(rec.F1Score)
		e.metrics.ModelPrecision.WithLabelValues(rec.ModelVersion).Set(rec.Precision)
		e.metrics.ModelRecall.WithLabelValues(rec.ModelVersion).Set(rec.Recall)
	}

	e.logger.Info("Performance metrics updated",
		zap.String("id", rec.ID),
		zap.String("model_version", rec.ModelVersion),
		zap.Int("events_evaluated", rec.EventsEvaluated),
		zap.Float64("precision", rec.Precision),
		zap.Float64("recall", rec.Recall),
		zap.Float64("f1_score", rec.F1Score),
	)
	return rec, nil
}

func (e *Engine) modelVersion(ctx context.Context) string {
	if e.models == nil {
		return "unknown"
	}
	info := e.models.ModelInfo(ctx)
	if info.Error != "" {
		e.logger.Warn("Could not get model info", zap.String("error", info.Error))
	}
	if info.Version == "" {
		return "unknown"
	}
	return info.Version
}
