package classify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Settings controls provider selection and the label-application policy.
type Settings struct {
	ModelType              ModelType     `yaml:"model_type" json:"model_type"`
	APIURL                 string        `yaml:"api_url" json:"api_url,omitempty"`
	APIKey                 string        `yaml:"-" json:"-"`
	LocalModelPath         string        `yaml:"local_model_path" json:"local_model_path,omitempty"`
	Timeout                time.Duration `yaml:"timeout" json:"timeout"`
	MinConfidenceThreshold float64       `yaml:"min_confidence_threshold" json:"min_confidence_threshold"`
	AutoApplyLabels        bool          `yaml:"auto_apply_labels" json:"auto_apply_labels"`
	VerificationRequired   bool          `yaml:"verification_required" json:"verification_required"`
	UpdateIntervalDays     int           `yaml:"update_interval_days" json:"update_interval_days"`
	Seed                   int64         `yaml:"seed" json:"seed"`
}

// DefaultSettings returns the policy used when no source is configured or
// the source fails.
func DefaultSettings() Settings {
	return Settings{
		ModelType:              ModelLocal,
		LocalModelPath:         "models/default_model.yaml",
		Timeout:                apiClassifyTimeout,
		MinConfidenceThreshold: 0.7,
		AutoApplyLabels:        true,
		VerificationRequired:   true,
		UpdateIntervalDays:     7,
	}
}

// SettingsSource supplies orchestrator settings.
type SettingsSource interface {
	Load(ctx context.Context) (Settings, error)
}

// StaticSource always returns the same settings.
type StaticSource Settings

// Load returns the wrapped settings.
func (s StaticSource) Load(context.Context) (Settings, error) {
	return Settings(s), nil
}

// SourceFunc adapts a function to SettingsSource.
type SourceFunc func(ctx context.Context) (Settings, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) (Settings, error) {
	return f(ctx)
}

// ParseSettings overlays string key/value pairs on DefaultSettings.
func ParseSettings(values map[string]string) (Settings, error) {
	return ParseSettingsOver(DefaultSettings(), values)
}

// ParseSettingsOver overlays string key/value pairs on base. Keys use the yaml
// field names, optionally prefixed with "ml.". Unknown keys are ignored. On any
// error base is returned unchanged.
func ParseSettingsOver(base Settings, values map[string]string) (Settings, error) {
	s := base
	for key, raw := range values {
		raw = strings.TrimSpace(raw)
		var err error
		switch strings.TrimPrefix(key, "ml.") {
		case "model_type":
			s.ModelType = ModelType(strings.ToLower(raw))
		case "api_url":
			s.APIURL = raw
		case "api_key":
			s.APIKey = raw
		case "local_model_path":
			s.LocalModelPath = raw
		case "timeout":
			s.Timeout, err = time.ParseDuration(raw)
		case "min_confidence_threshold":
			s.MinConfidenceThreshold, err = strconv.ParseFloat(raw, 64)
		case "auto_apply_labels":
			s.AutoApplyLabels, err = strconv.ParseBool(raw)
		case "verification_required":
			s.VerificationRequired, err = strconv.ParseBool(raw)
		case "update_interval_days":
			s.UpdateIntervalDays, err = strconv.Atoi(raw)
		case "seed":
			s.Seed, err = strconv.ParseInt(raw, 10, 64)
		}
		if err != nil {
			return base, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
		}
	}
	if err := s.Validate(); err != nil {
		return base, err
	}
	return s, nil
}

// Validate checks the threshold range.
func (s Settings) Validate() error {
	if s.MinConfidenceThreshold < 0 || s.MinConfidenceThreshold > 1 {
		return fmt.Errorf("min_confidence_threshold %v outside [0,1]", s.MinConfidenceThreshold)
	}
	return nil
}

func (s Settings) providerConfig() ProviderConfig {
	return ProviderConfig{
		ModelType:      s.ModelType,
		APIURL:         s.APIURL,
		APIKey:         s.APIKey,
		LocalModelPath: s.LocalModelPath,
		Timeout:        s.Timeout,
		Seed:           s.Seed,
	}
}
