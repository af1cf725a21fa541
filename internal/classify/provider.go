// Package classify assigns attack-type and MITRE ATT&CK labels to canonical events.
// A Provider produces a classification with a confidence score; the Orchestrator
// decides whether the labels are applied and caches recent batch results.
package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/mitre"
)

// ModelType selects a provider implementation.
type ModelType string

const (
	ModelAPI    ModelType = "api"
	ModelLocal  ModelType = "local"
	ModelRandom ModelType = "random"
)

// Result is the outcome of classifying one event.
type Result struct {
	Success        bool                 `json:"success"`
	Classification event.Classification `json:"classification"`
	Confidence     float64              `json:"confidence"`
	Error          string               `json:"error,omitempty"`
}

// failed returns a failure result carrying msg.
func failed(msg string) Result {
	return Result{Success: false, Error: msg}
}

// ModelInfo describes the model behind a provider.
type ModelInfo struct {
	Version     string         `json:"version"`
	Type        string         `json:"type,omitempty"`
	Description string         `json:"description,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Provider is a pluggable classification backend.
//
// BatchClassify always returns one result per input event, in input order.
// A failure for one item never affects the others.
type Provider interface {
	Name() string
	TestConnection(ctx context.Context) event.ConnectionTest
	ClassifyEvent(ctx context.Context, e *event.Event) Result
	BatchClassify(ctx context.Context, events []*event.Event) []Result
	ModelInfo(ctx context.Context) ModelInfo
}

// ProviderInitializationError reports a provider that could not be constructed.
type ProviderInitializationError struct {
	ModelType ModelType
	Err       error
}

func (e *ProviderInitializationError) Error() string {
	return fmt.Sprintf("initializing %q provider: %v", e.ModelType, e.Err)
}

func (e *ProviderInitializationError) Unwrap() error { return e.Err }

// ProviderConfig holds what NewProvider needs to build any provider.
type ProviderConfig struct {
	ModelType      ModelType
	APIURL         string
	APIKey         string
	LocalModelPath string
	Timeout        time.Duration
	Seed           int64
	Catalogue      *mitre.Catalogue
	Logger         *zap.Logger
}

// NewProvider builds the provider selected by cfg.ModelType.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Catalogue == nil {
		cfg.Catalogue = mitre.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	modelType := ModelType(strings.ToLower(strings.TrimSpace(string(cfg.ModelType))))
	switch modelType {
	case ModelAPI:
		if cfg.APIURL == "" || cfg.APIKey == "" {
			return nil, &ProviderInitializationError{
				ModelType: modelType,
				Err:       fmt.Errorf("api_url and api key are required"),
			}
		}
		return NewAPIProvider(cfg.APIURL, cfg.APIKey, cfg.Timeout, cfg.Logger), nil
	case ModelLocal:
		return NewLocalProvider(cfg.LocalModelPath, cfg.Catalogue, cfg.Logger), nil
	case ModelRandom, "dummy":
		return NewRandomProvider(cfg.Seed, cfg.Catalogue), nil
	default:
		return nil, &ProviderInitializationError{
			ModelType: modelType,
			Err:       fmt.Errorf("unknown model type"),
		}
	}
}
