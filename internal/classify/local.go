package classify

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/mitre"
)

const defaultLocalVersion = "local-1.0"

// LocalModel is the on-disk rule model loaded by LocalProvider.
type LocalModel struct {
	Version      string      `yaml:"version"`
	Description  string      `yaml:"description"`
	UseCatalogue bool        `yaml:"use_catalogue"`
	Default      LocalRule   `yaml:"default"`
	Rules        []LocalRule `yaml:"rules"`
}

// LocalRule matches events by rule-name keyword and severity.
// Empty Keywords or Severities match any event.
type LocalRule struct {
	Name         string           `yaml:"name"`
	Keywords     []string         `yaml:"keywords"`
	Severities   []event.Severity `yaml:"severities"`
	TruePositive *bool            `yaml:"true_positive"`
	AttackType   string           `yaml:"attack_type"`
	Tactic       string           `yaml:"tactic"`
	Technique    string           `yaml:"technique"`
	Tags         []string         `yaml:"tags"`
	Confidence   float64          `yaml:"confidence"`
}

func (r LocalRule) matches(e *event.Event) bool {
	if len(r.Severities) > 0 && !slices.Contains(r.Severities, e.Severity) {
		return false
	}
	if len(r.Keywords) == 0 {
		return true
	}
	name := strings.ToLower(e.RuleName)
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// LoadLocalModel reads and validates a model file.
func LoadLocalModel(path string) (*LocalModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}

	var model LocalModel
	if err := yaml.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("parsing model: %w", err)
	}

	if model.Version == "" {
		model.Version = defaultLocalVersion
	}
	if model.Default.Confidence == 0 {
		model.Default.Confidence = 0.5
	}
	for i, rule := range append([]LocalRule{model.Default}, model.Rules...) {
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return nil, fmt.Errorf("rule %d (%s): confidence %v outside [0,1]", i, rule.Name, rule.Confidence)
		}
	}
	return &model, nil
}

// LocalProvider classifies with a rule model loaded from disk. A missing or
// invalid model leaves the provider usable but every classification fails.
type LocalProvider struct {
	path      string
	model     *LocalModel
	loadErr   error
	catalogue *mitre.Catalogue
	logger    *zap.Logger
}

// NewLocalProvider loads the model at path.
func NewLocalProvider(path string, catalogue *mitre.Catalogue, logger *zap.Logger) *LocalProvider {
	if catalogue == nil {
		catalogue = mitre.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &LocalProvider{
		path:      path,
		catalogue: catalogue,
		logger:    logger.With(zap.String("provider", "local")),
	}

	p.model, p.loadErr = LoadLocalModel(path)
	if p.loadErr != nil {
		p.logger.Warn("Local model not loaded", zap.String("model_path", path), zap.Error(p.loadErr))
	} else {
		p.logger.Info("Local model loaded",
			zap.String("model_path", path),
			zap.String("version", p.model.Version),
			zap.Int("rules", len(p.model.Rules)),
		)
	}
	return p
}

// Name returns the provider identifier.
func (p *LocalProvider) Name() string { return string(ModelLocal) }

// TestConnection reports whether the model file was loaded.
func (p *LocalProvider) TestConnection(context.Context) event.ConnectionTest {
	if p.model == nil {
		details := map[string]any{"model_path": p.path}
		if p.loadErr != nil {
			details["error"] = p.loadErr.Error()
		}
		return event.ConnectionTest{
			Success: false,
			Message: "Local model not available",
			Details: details,
		}
	}
	return event.ConnectionTest{
		Success: true,
		Message: "Local model loaded successfully",
		Details: map[string]any{
			"model_path": p.path,
			"version":    p.model.Version,
			"rules":      len(p.model.Rules),
		},
	}
}

// ClassifyEvent applies the first matching rule, then the ATT&CK keyword
// mapping when enabled, then the model default.
func (p *LocalProvider) ClassifyEvent(_ context.Context, e *event.Event) Result {
	if p.model == nil {
		return failed("Model not loaded")
	}
	if e == nil {
		return failed("event is nil")
	}

	for _, rule := range p.model.Rules {
		if rule.matches(e) {
			return p.fromRule(rule)
		}
	}

	if p.model.UseCatalogue {
		if mappings := p.catalogue.MapRuleName(e.RuleName); len(mappings) > 0 {
			m := mappings[0]
			return Result{
				Success: true,
				Classification: event.Classification{
					TruePositive:   event.Bool(true),
					AttackType:     m.AttackType,
					MITRETactic:    m.TacticName,
					MITRETechnique: m.TechniqueName,
					Tags:           []string{strings.ToLower(strings.ReplaceAll(m.AttackType, " ", "_"))},
				},
				Confidence: m.Confidence,
			}
		}
	}

	return p.fromRule(p.model.Default)
}

// BatchClassify classifies each event independently.
func (p *LocalProvider) BatchClassify(ctx context.Context, events []*event.Event) []Result {
	results := make([]Result, len(events))
	for i, e := range events {
		results[i] = p.ClassifyEvent(ctx, e)
	}
	return results
}

// ModelInfo describes the loaded model.
func (p *LocalProvider) ModelInfo(context.Context) ModelInfo {
	if p.model == nil {
		info := ModelInfo{Version: defaultLocalVersion, Type: string(ModelLocal), Details: map[string]any{"model_path": p.path}}
		if p.loadErr != nil {
			info.Error = p.loadErr.Error()
		}
		return info
	}
	return ModelInfo{
		Version:     p.model.Version,
		Type:        string(ModelLocal),
		Description: p.model.Description,
		Details:     map[string]any{"model_path": p.path, "rules": len(p.model.Rules)},
	}
}

// fromRule resolves the rule's tactic and technique against the catalogue.
func (p *LocalProvider) fromRule(rule LocalRule) Result {
	c := event.Classification{
		AttackType: rule.AttackType,
		Tags:       append([]string(nil), rule.Tags...),
	}
	if rule.TruePositive != nil {
		c.TruePositive = event.Bool(*rule.TruePositive)
	}

	if rule.Technique != "" {
		if tech, ok := p.catalogue.GetTechnique(rule.Technique); ok {
			c.MITRETechnique = tech.Name
			c.MITRETactic = tech.Tactic
		} else {
			c.MITRETechnique = rule.Technique
		}
	}
	if rule.Tactic != "" {
		if tac, ok := p.catalogue.GetTactic(rule.Tactic); ok {
			c.MITRETactic = tac.Name
		} else {
			c.MITRETactic = rule.Tactic
		}
	}

	return Result{Success: true, Classification: c, Confidence: rule.Confidence}
}
