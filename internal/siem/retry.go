package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/observability"
)

// ExecutorConfig bounds outbound SIEM calls.
type ExecutorConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultExecutorConfig returns three attempts, a 2s base delay and a 30s request timeout.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		Timeout:    30 * time.Second,
	}
}

// Request is a single vendor API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Response is a fully read vendor response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Executor performs vendor HTTP calls with bounded retries on transport failures.
// Status failures are classified and returned without retrying.
type Executor struct {
	vendor     string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewExecutor creates an executor for vendor. Unset fields of cfg take the
// DefaultExecutorConfig values.
func NewExecutor(vendor string, cfg ExecutorConfig, logger *zap.Logger, metrics *observability.Metrics) *Executor {
	defaults := DefaultExecutorConfig()
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		vendor: vendor,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryDelay,
		logger:     logger,
		metrics:    metrics,
	}
}

// MaxRetries returns the attempt bound.
func (e *Executor) MaxRetries() int {
	return e.maxRetries
}

// Do runs req, retrying transport failures up to MaxRetries attempts with a
// delay of d*2^n before retry n+1.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++

		r, err := e.roundTrip(ctx, req.Method, target, req.Header, req.Body)
		if err != nil {
			var buildErr *requestError
			if errors.As(err, &buildErr) {
				return backoff.Permanent(&ConnectionError{Vendor: e.vendor, URL: req.URL, Err: buildErr.err})
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		if err := e.classify(r); err != nil {
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warn("SIEM request failed, retrying",
			zap.String("vendor", e.vendor),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.maxRetries),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if e.metrics != nil {
			e.metrics.ConnectorRetries.WithLabelValues(e.vendor).Inc()
		}
	}

	err := backoff.RetryNotify(operation, e.policy(ctx), notify)
	if err == nil {
		e.observe("success")
		return resp, nil
	}

	var (
		authErr *AuthenticationError
		rateErr *RateLimitError
		respErr *ResponseError
		connErr *ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		e.observe("auth_error")
	case errors.As(err, &rateErr):
		e.observe("rate_limited")
	case errors.As(err, &respErr):
		e.observe("response_error")
	case errors.As(err, &connErr):
		e.observe("connection_error")
	default:
		e.observe("connection_error")
		err = &ConnectionError{Vendor: e.vendor, URL: req.URL, Err: err}
	}
	return nil, err
}

// policy yields exactly maxRetries attempts, doubling the delay each time.
func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.baseDelay << uint(e.maxRetries)
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries-1)), ctx)
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }

func (e *Executor) roundTrip(ctx context.Context, method, target string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &requestError{err: err}
	}
	for k, values := range header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (e *Executor) classify(r *Response) error {
	switch {
	case r.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{Vendor: e.vendor, Message: bodySnippet(r.Body)}
	case r.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Vendor: e.vendor, Message: bodySnippet(r.Body)}
	case r.StatusCode >= 400:
		return &ResponseError{Vendor: e.vendor, StatusCode: r.StatusCode, Message: bodySnippet(r.Body)}
	}
	return nil
}

func (e *Executor) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.ConnectorRequests.WithLabelValues(e.vendor, outcome).Inc()
	}
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
