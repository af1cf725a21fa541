package siem

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/observability"
)

// Sink persists fetched events, skipping ones already stored under the same
// siem_source and event_id.
type Sink interface {
	SaveEvents(ctx context.Context, events []*event.Event) (saved, duplicates int, err error)
}

// VendorResult reports one connector's share of an ingestion run.
type VendorResult struct {
	Vendor     event.Source   `json:"vendor"`
	Fetched    int            `json:"fetched"`
	Saved      int            `json:"saved"`
	Duplicates int            `json:"duplicates"`
	Error      string         `json:"error,omitempty"`
	Err        error          `json:"-"`
	Events     []*event.Event `json:"-"`
}

// Ingester fetches from several connectors concurrently. A failing vendor is
// reported in its own result and never aborts the others.
type Ingester struct {
	pool    *Pool
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewIngester creates an ingester. sink may be nil to fetch without saving.
func NewIngester(pool *Pool, sink Sink, logger *zap.Logger, metrics *observability.Metrics) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		pool:    pool,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// Run fetches from every connector and returns results in connector order.
func (i *Ingester) Run(ctx context.Context, connectors []Connector, params FetchParams) []VendorResult {
	futures := make([]*Future[[]*event.Event], len(connectors))
	for n, c := range connectors {
		futures[n] = FetchLogsAsync(ctx, i.pool, c, params)
	}

	results := make([]VendorResult, len(connectors))
	for n, c := range connectors {
		res := VendorResult{Vendor: c.Vendor()}

		events, err := futures[n].Wait(ctx)
		if err != nil {
			i.logger.Error("Failed to fetch logs",
				zap.String("vendor", string(c.Vendor())),
				zap.String("error_type", ErrorType(err)),
				zap.Error(err),
			)
			res.Err = err
			res.Error = err.Error()
			results[n] = res
			continue
		}

		res.Fetched = len(events)
		res.Events = events

		if i.sink != nil && len(events) > 0 {
			saved, dup, err := i.sink.SaveEvents(ctx, events)
			res.Saved = saved
			res.Duplicates = dup
			if err != nil {
				i.logger.Error("Failed to save events", zap.String("vendor", string(c.Vendor())), zap.Error(err))
				res.Err = err
				res.Error = err.Error()
			}
			if i.metrics != nil {
				i.metrics.EventsIngested.WithLabelValues(string(c.Vendor())).Add(float64(saved))
				i.metrics.EventsDuplicate.WithLabelValues(string(c.Vendor())).Add(float64(dup))
			}
		}

		i.logger.Info("Ingested vendor logs",
			zap.String("vendor", string(c.Vendor())),
			zap.Int("fetched", res.Fetched),
			zap.Int("saved", res.Saved),
			zap.Int("duplicates", res.Duplicates),
		)
		results[n] = res
	}
	return results
}
