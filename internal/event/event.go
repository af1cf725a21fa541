// Package event defines the canonical, vendor-agnostic security event and the
// label state it accumulates as it moves through classification and human review.
package event

import (
	"encoding/json"
	"time"
)

// Severity is the four-tier canonical severity. Vendor severities are always
// mapped onto one of these values, never passed through.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the canonical severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Source identifies the SIEM back-end an event was ingested from.
type Source string

const (
	SourceWazuh   Source = "wazuh"
	SourceSplunk  Source = "splunk"
	SourceElastic Source = "elastic"
)

// UnknownIP is recorded when a vendor payload carries no usable source address.
const UnknownIP = "unknown"

// Classification is the label set produced by a classifier or applied by an analyst.
// Empty strings and a nil TruePositive mean "absent".
type Classification struct {
	TruePositive   *bool    `json:"true_positive,omitempty"`
	AttackType     string   `json:"attack_type,omitempty"`
	MITRETactic    string   `json:"mitre_tactic,omitempty"`
	MITRETechnique string   `json:"mitre_technique,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Clone returns a deep copy of c.
func (c Classification) Clone() Classification {
	out := c
	if c.TruePositive != nil {
		tp := *c.TruePositive
		out.TruePositive = &tp
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	return out
}

// MLShadow preserves the machine decision once an analyst has reviewed the event,
// so the metrics loop can compare it against the human verdict.
type MLShadow struct {
	MLTruePositive   *bool  `json:"ml_true_positive,omitempty"`
	MLAttackType     string `json:"ml_attack_type,omitempty"`
	MLMITRETactic    string `json:"ml_mitre_tactic,omitempty"`
	MLMITRETechnique string `json:"ml_mitre_technique,omitempty"`
}

// Event is one normalized SIEM observation plus its label state.
type Event struct {
	EventID    string          `json:"event_id"`
	Timestamp  time.Time       `json:"timestamp"`
	SourceIP   string          `json:"source_ip"`
	Severity   Severity        `json:"severity"`
	RuleName   string          `json:"rule_name"`
	SIEMSource Source          `json:"siem_source"`
	RawLog     json.RawMessage `json:"raw_log,omitempty"`

	// Current labels, applied either by auto-apply or by an analyst.
	Classification

	// MLLabels is the last raw classifier output, kept whether or not it was applied.
	MLLabels      *Classification `json:"ml_labels,omitempty"`
	MLProcessed   bool            `json:"ml_processed"`
	MLConfidence  float64         `json:"ml_confidence"`
	MLTimestamp   *time.Time      `json:"ml_timestamp,omitempty"`
	HumanVerified bool            `json:"human_verified"`

	MLShadow

	VerificationComment string     `json:"verification_comment,omitempty"`
	VerifiedAt          *time.Time `json:"verification_timestamp,omitempty"`
}

// Key uniquely identifies an event within an ingestion run.
func (e *Event) Key() string {
	return string(e.SIEMSource) + ":" + e.EventID
}

// RecordClassification marks the event as processed by a classifier.
func (e *Event) RecordClassification(c Classification, confidence float64, at time.Time) {
	labels := c.Clone()
	e.MLLabels = &labels
	e.MLProcessed = true
	e.MLConfidence = confidence
	ts := at.UTC()
	e.MLTimestamp = &ts
}

// ApplyLabels writes the present fields of c onto the event's current labels.
func (e *Event) ApplyLabels(c Classification) {
	c = c.Clone()
	if c.TruePositive != nil {
		e.TruePositive = c.TruePositive
	}
	if c.AttackType != "" {
		e.AttackType = c.AttackType
	}
	if c.MITRETactic != "" {
		e.MITRETactic = c.MITRETactic
	}
	if c.MITRETechnique != "" {
		e.MITRETechnique = c.MITRETechnique
	}
	if len(c.Tags) > 0 {
		e.Tags = c.Tags
	}
}

// Corrections carries an analyst's verdict. Nil fields leave the label untouched.
type Corrections struct {
	TruePositive   *bool   `json:"true_positive,omitempty"`
	AttackType     *string `json:"attack_type,omitempty"`
	MITRETactic    *string `json:"mitre_tactic,omitempty"`
	MITRETechnique *string `json:"mitre_technique,omitempty"`
	Comment        string  `json:"verification_comment,omitempty"`
}

// Verify shadows the machine decision and then applies the analyst's corrections.
// The shadow is taken from MLLabels when present, otherwise from the current labels.
func (e *Event) Verify(c Corrections, at time.Time) {
	prior := e.Classification
	if e.MLLabels != nil {
		prior = *e.MLLabels
	}
	prior = prior.Clone()
	e.MLShadow = MLShadow{
		MLTruePositive:   prior.TruePositive,
		MLAttackType:     prior.AttackType,
		MLMITRETactic:    prior.MITRETactic,
		MLMITRETechnique: prior.MITRETechnique,
	}

	if c.TruePositive != nil {
		tp := *c.TruePositive
		e.TruePositive = &tp
	}
	if c.AttackType != nil {
		e.AttackType = *c.AttackType
	}
	if c.MITRETactic != nil {
		e.MITRETactic = *c.MITRETactic
	}
	if c.MITRETechnique != nil {
		e.MITRETechnique = *c.MITRETechnique
	}
	if c.Comment != "" {
		e.VerificationComment = c.Comment
	}

	e.HumanVerified = true
	ts := at.UTC()
	e.VerifiedAt = &ts
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// ConnectionTest is the health-check shape shared by connectors and providers.
// A failed check is reported here rather than returned as an error.
type ConnectionTest struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}
