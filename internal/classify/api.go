package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

const (
	apiHealthTimeout   = 10 * time.Second
	apiClassifyTimeout = 30 * time.Second
	apiBatchTimeout    = 60 * time.Second
)

// APIProvider delegates classification to a remote HTTP service.
type APIProvider struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	classifyTimeout time.Duration
	logger          *zap.Logger
}

// apiStatusError is a non-2xx reply from the classification service.
type apiStatusError struct {
	StatusCode int
	Body       string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("ML API returned error: %d - %s", e.StatusCode, e.Body)
}

// NewAPIProvider creates a provider for the service at baseURL.
// A zero timeout uses the 30s single-event default.
func NewAPIProvider(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *APIProvider {
	if timeout <= 0 {
		timeout = apiClassifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientTimeout := apiBatchTimeout
	if timeout > clientTimeout {
		clientTimeout = timeout
	}
	return &APIProvider{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		httpClient:      &http.Client{Timeout: clientTimeout},
		classifyTimeout: timeout,
		logger:          logger.With(zap.String("provider", "api")),
	}
}

// Name returns the provider identifier.
func (p *APIProvider) Name() string { return string(ModelAPI) }

// TestConnection calls GET /health.
func (p *APIProvider) TestConnection(ctx context.Context) event.ConnectionTest {
	ctx, cancel := context.WithTimeout(ctx, apiHealthTimeout)
	defer cancel()

	var health map[string]any
	err := p.do(ctx, http.MethodGet, "/health", nil, &health)
	if err != nil {
		var statusErr *apiStatusError
		if errors.As(err, &statusErr) {
			return event.ConnectionTest{
				Success: false,
				Message: fmt.Sprintf("ML API returned error: %d", statusErr.StatusCode),
				Details: map[string]any{
					"status_code": statusErr.StatusCode,
					"response":    statusErr.Body,
				},
			}
		}
		return event.ConnectionTest{
			Success: false,
			Message: fmt.Sprintf("Connection error: %v", err),
			Details: map[string]any{"error_type": "ConnectionError"},
		}
	}

	if health == nil {
		health = map[string]any{}
	}
	return event.ConnectionTest{
		Success: true,
		Message: "ML API connection successful",
		Details: health,
	}
}

type apiClassification struct {
	Success        *bool                `json:"success,omitempty"`
	Classification event.Classification `json:"classification"`
	Confidence     float64              `json:"confidence"`
	Error          string               `json:"error,omitempty"`
}

func (a apiClassification) result() Result {
	if (a.Success != nil && !*a.Success) || a.Error != "" {
		msg := a.Error
		if msg == "" {
			msg = "classification failed"
		}
		return failed(msg)
	}
	return Result{
		Success:        true,
		Classification: a.Classification,
		Confidence:     a.Confidence,
	}
}

// ClassifyEvent calls POST /classify with {"event": e}.
func (p *APIProvider) ClassifyEvent(ctx context.Context, e *event.Event) Result {
	ctx, cancel := context.WithTimeout(ctx, p.classifyTimeout)
	defer cancel()

	var out apiClassification
	if err := p.do(ctx, http.MethodPost, "/classify", map[string]any{"event": e}, &out); err != nil {
		p.logger.Warn("Classification request failed",
			zap.String("event_id", e.EventID),
			zap.Error(err),
		)
		return failed(err.Error())
	}
	return out.result()
}

// BatchClassify calls POST /batch-classify with {"events": [...]}. When the call
// fails as a whole every item is reported as failed.
func (p *APIProvider) BatchClassify(ctx context.Context, events []*event.Event) []Result {
	if len(events) == 0 {
		return []Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, apiBatchTimeout)
	defer cancel()

	var out struct {
		Results []apiClassification `json:"results"`
	}
	if err := p.do(ctx, http.MethodPost, "/batch-classify", map[string]any{"events": events}, &out); err != nil {
		msg := err.Error()
		var statusErr *apiStatusError
		if errors.As(err, &statusErr) {
			msg = fmt.Sprintf("API error: %d", statusErr.StatusCode)
		}
		p.logger.Warn("Batch classification request failed",
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		results := make([]Result, len(events))
		for i := range results {
			results[i] = failed(msg)
		}
		return results
	}

	if len(out.Results) != len(events) {
		p.logger.Warn("Batch result count mismatch",
			zap.Int("events", len(events)),
			zap.Int("results", len(out.Results)),
		)
	}
	results := make([]Result, len(events))
	for i := range results {
		if i < len(out.Results) {
			results[i] = out.Results[i].result()
			continue
		}
		results[i] = failed("no result returned for event")
	}
	return results
}

// ModelInfo calls GET /model-info. Failures yield version "unknown".
func (p *APIProvider) ModelInfo(ctx context.Context) ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, apiHealthTimeout)
	defer cancel()

	var out struct {
		ModelInfo ModelInfo `json:"model_info"`
	}
	if err := p.do(ctx, http.MethodGet, "/model-info", nil, &out); err != nil {
		return ModelInfo{Version: "unknown", Type: string(ModelAPI), Error: err.Error()}
	}
	info := out.ModelInfo
	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.Type == "" {
		info.Type = string(ModelAPI)
	}
	return info
}

// do sends a JSON request and decodes a 2xx JSON reply into out.
func (p *APIProvider) do(ctx context.Context, method, path string, body, out any) error {
	req, err := p.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ML API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apiStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding ML API response: %w", err)
	}
	return nil
}

func (p *APIProvider) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "LabelForge/1.0")

	return req, nil
}
