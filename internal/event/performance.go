package event

import "time"

// ClassMetrics holds one-vs-rest scores for a single attack type.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

// PerformanceRecord is an immutable snapshot of classifier quality measured
// against human-verified events. Newer records supersede older ones.
type PerformanceRecord struct {
	ID           string    `json:"id"`
	ModelVersion string    `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`

	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`

	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`

	ClassMetrics map[string]ClassMetrics `json:"class_metrics"`

	EventsEvaluated int `json:"events_evaluated"`
}
