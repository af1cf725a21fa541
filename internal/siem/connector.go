// Package siem provides connectors that authenticate against Wazuh, Splunk and
// Elastic, fetch their alerts and normalize them into canonical events.
package siem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/observability"
)

var tracer = otel.Tracer("labelforge/siem")

// Connector is the capability set every SIEM back-end implements.
type Connector interface {
	Vendor() event.Source
	Authenticate(ctx context.Context) (string, error)
	FetchLogs(ctx context.Context, params FetchParams) ([]*event.Event, error)
	NormalizeLog(raw json.RawMessage) (*event.Event, error)
	TestConnection(ctx context.Context) event.ConnectionTest
}

// FetchParams selects the alerts a connector returns.
type FetchParams struct {
	Limit     int
	Query     string
	TimeRange time.Duration
	// Index overrides the Elastic index pattern.
	Index string
}

const (
	defaultFetchLimit = 100
	defaultTimeRange  = 30 * time.Minute
	// defaultTokenTTL stays below the one hour session lifetime of Wazuh and Splunk.
	defaultTokenTTL = 55 * time.Minute
)

func (p FetchParams) withDefaults() FetchParams {
	if p.Limit <= 0 {
		p.Limit = defaultFetchLimit
	}
	if p.TimeRange <= 0 {
		p.TimeRange = defaultTimeRange
	}
	return p
}

// Options configures a connector. The zero value is usable.
type Options struct {
	Executor ExecutorConfig
	Logger   *zap.Logger
	Metrics  *observability.Metrics

	// Username for Splunk login, default "admin".
	Username string
	// Index is the Elastic index pattern, default "filebeat-*".
	Index string

	// PollInterval and MaxPolls bound the Splunk search job wait.
	PollInterval time.Duration
	MaxPolls     int

	TokenTTL time.Duration
	Now      func() time.Time
}

// DefaultOptions returns the production connector settings.
func DefaultOptions() Options {
	return Options{
		Executor:     DefaultExecutorConfig(),
		Username:     "admin",
		Index:        "filebeat-*",
		PollInterval: time.Second,
		MaxPolls:     10,
		TokenTTL:     defaultTokenTTL,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Executor.MaxRetries < 1 {
		o.Executor.MaxRetries = d.Executor.MaxRetries
	}
	if o.Executor.RetryDelay <= 0 {
		o.Executor.RetryDelay = d.Executor.RetryDelay
	}
	if o.Executor.Timeout <= 0 {
		o.Executor.Timeout = d.Executor.Timeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Username == "" {
		o.Username = d.Username
	}
	if o.Index == "" {
		o.Index = d.Index
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = d.MaxPolls
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = d.TokenTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// tokenCache holds a session credential until it expires. Concurrent callers
// may both refresh; the lock only protects the fields.
type tokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

func (c *tokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" || !now.Before(c.expiresAt) {
		return "", false
	}
	return c.value, true
}

func (c *tokenCache) set(value string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.expiresAt = expiresAt
}

// base carries the state shared by every vendor connector.
type base struct {
	vendor event.Source
	apiURL string
	apiKey string
	exec   *Executor
	logger *zap.Logger
	opts   Options
	token  *tokenCache
}

func newBase(vendor event.Source, apiURL, apiKey string, opts Options) base {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("vendor", string(vendor)))
	return base{
		vendor: vendor,
		apiURL: apiURL,
		apiKey: apiKey,
		exec:   NewExecutor(string(vendor), opts.Executor, logger, opts.Metrics),
		logger: logger,
		opts:   opts,
		token:  &tokenCache{},
	}
}

// Vendor returns the connector's SIEM source.
func (b *base) Vendor() event.Source {
	return b.vendor
}

func (b *base) endpoint(path string) (string, error) {
	if b.apiURL == "" {
		return "", &ConnectionError{Vendor: string(b.vendor), URL: path, Err: fmt.Errorf("API URL not configured")}
	}
	return strings.TrimRight(b.apiURL, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

func (b *base) call(ctx context.Context, method, path string, header http.Header, query url.Values, body []byte) (*Response, error) {
	target, err := b.endpoint(path)
	if err != nil {
		return nil, err
	}
	return b.exec.Do(ctx, Request{
		Method: method,
		URL:    target,
		Header: header,
		Query:  query,
		Body:   body,
	})
}

func (b *base) window(rng time.Duration) (time.Time, time.Time) {
	end := b.opts.Now().UTC()
	return end.Add(-rng), end
}

func (b *base) missingCredentials() error {
	return &AuthenticationError{Vendor: string(b.vendor), Message: "API key not configured"}
}

func (b *base) decodeError(err error) error {
	return &ResponseError{Vendor: string(b.vendor), Message: fmt.Sprintf("decoding response: %v", err)}
}

func (b *base) connectionFailed(err error) event.ConnectionTest {
	b.logger.Error("Connection test failed", zap.Error(err))
	return event.ConnectionTest{
		Success: false,
		Message: fmt.Sprintf("Connection failed: %v", err),
		Details: map[string]any{
			"error_type":   ErrorType(err),
			"api_endpoint": b.apiURL,
		},
	}
}

func (b *base) unexpectedFormat() event.ConnectionTest {
	return event.ConnectionTest{
		Success: false,
		Message: "Connected but received unexpected response format",
		Details: map[string]any{
			"api_endpoint": b.apiURL,
		},
	}
}

// normalizeAll converts vendor items, skipping any that cannot be normalized.
func (b *base) normalizeAll(items []json.RawMessage, normalize func(json.RawMessage) (*event.Event, error)) []*event.Event {
	events := make([]*event.Event, 0, len(items))
	for _, item := range items {
		ev, err := normalize(item)
		if err != nil {
			b.logger.Warn("Skipping log that failed normalization", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events
}

func startFetchSpan(ctx context.Context, vendor event.Source, params FetchParams) (context.Context, func(n int, err error)) {
	ctx, span := tracer.Start(ctx, "siem.FetchLogs")
	span.SetAttributes(
		attribute.String("siem.vendor", string(vendor)),
		attribute.Int("siem.limit", params.Limit),
	)
	return ctx, func(n int, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("siem.events", n))
		span.End()
	}
}

// FetchLogsAsync runs c.FetchLogs on p and returns its future.
func FetchLogsAsync(ctx context.Context, p *Pool, c Connector, params FetchParams) *Future[[]*event.Event] {
	return Submit(ctx, p, func(ctx context.Context) ([]*event.Event, error) {
		return c.FetchLogs(ctx, params)
	})
}
