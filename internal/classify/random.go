package classify

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/mitre"
)

const (
	randomVersion          = "random-1.0"
	randomMinConfidence    = 0.6
	randomMaxConfidence    = 0.98
	truePositiveConfidence = 0.85
)

var randomTags = []string{
	"suspicious", "critical", "malware", "ransomware", "network",
	"authentication", "privileged", "lateral", "data_theft", "command_control",
}

// RandomProvider generates pseudo-random classifications that are stable per
// event and seed. A true positive always carries confidence of at least 0.85.
type RandomProvider struct {
	seed      int64
	catalogue *mitre.Catalogue
}

// NewRandomProvider creates a provider drawing labels from catalogue.
func NewRandomProvider(seed int64, catalogue *mitre.Catalogue) *RandomProvider {
	if catalogue == nil {
		catalogue = mitre.Default()
	}
	return &RandomProvider{seed: seed, catalogue: catalogue}
}

// Name returns the provider identifier.
func (p *RandomProvider) Name() string { return string(ModelRandom) }

// TestConnection always succeeds.
func (p *RandomProvider) TestConnection(context.Context) event.ConnectionTest {
	return event.ConnectionTest{
		Success: true,
		Message: "Random provider ready",
		Details: map[string]any{"provider": string(ModelRandom), "seed": p.seed},
	}
}

// ClassifyEvent draws a classification from a generator seeded by the event key.
func (p *RandomProvider) ClassifyEvent(_ context.Context, e *event.Event) Result {
	if e == nil {
		return failed("event is nil")
	}
	r := p.rng(e)

	confidence := math.Round((randomMinConfidence+r.Float64()*(randomMaxConfidence-randomMinConfidence))*100) / 100
	truePositive := r.IntN(2) == 1
	if truePositive {
		confidence = max(confidence, truePositiveConfidence)
	}

	tactics := p.catalogue.TacticNames()
	tactic := tactics[r.IntN(len(tactics))]
	var technique string
	if techs := p.catalogue.TechniquesByTactic(tactic); len(techs) > 0 {
		technique = techs[r.IntN(len(techs))].Name
	}
	attackTypes := p.catalogue.AttackTypes()

	n := 1 + r.IntN(3)
	tags := make([]string, 0, n)
	for _, i := range r.Perm(len(randomTags))[:n] {
		tags = append(tags, randomTags[i])
	}

	return Result{
		Success: true,
		Classification: event.Classification{
			TruePositive:   event.Bool(truePositive),
			AttackType:     attackTypes[r.IntN(len(attackTypes))],
			MITRETactic:    tactic,
			MITRETechnique: technique,
			Tags:           tags,
		},
		Confidence: confidence,
	}
}

// BatchClassify classifies each event independently.
func (p *RandomProvider) BatchClassify(ctx context.Context, events []*event.Event) []Result {
	results := make([]Result, len(events))
	for i, e := range events {
		results[i] = p.ClassifyEvent(ctx, e)
	}
	return results
}

// ModelInfo describes the generator.
func (p *RandomProvider) ModelInfo(context.Context) ModelInfo {
	return ModelInfo{
		Version:     randomVersion,
		Type:        string(ModelRandom),
		Description: "Generates random classifications for testing",
	}
}

func (p *RandomProvider) rng(e *event.Event) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(e.Key()))
	return rand.New(rand.NewPCG(uint64(p.seed), h.Sum64()))
}
