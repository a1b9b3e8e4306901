package domain

import "time"

// Severity classifies a persisted anomaly detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForScore derives a severity deterministically from an anomaly score.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 70:
		return SeverityHigh
	case score >= 55:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Anomaly types produced by the orchestrator's detectors.
const (
	AnomalyStatistical = "statistical"
	AnomalyBehavioral  = "behavioral"
	AnomalyVelocity    = "velocity"
	AnomalyGeolocation = "geolocation"
)

// AnomalyFeatures is the typed detail snapshot persisted with a detection.
// Extra carries detector-specific values outside the known shape.
type AnomalyFeatures struct {
	Amount      float64                `json:"amount,omitempty"`
	DailyCount  int                    `json:"dailyCount,omitempty"`
	HourlyCount int                    `json:"hourlyCount,omitempty"`
	Country     string                 `json:"country,omitempty"`
	IPHash      string                 `json:"ipHash,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// AnomalyDetection is the persisted record of one detector firing above the
// persistence threshold. Read-only after creation.
type AnomalyDetection struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	EntityID     string `json:"entityId"`
	EntityType   string `json:"entityType"`
	UserID       string `json:"userId"`
	FraudScoreID string `json:"fraudScoreId,omitempty"`

	AnomalyType     string  `json:"anomalyType"`
	DetectionMethod string  `json:"detectionMethod"`
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`

	Severity    Severity        `json:"severity"`
	Features    AnomalyFeatures `json:"features"`
	Explanation string          `json:"explanation"`

	CreatedAt time.Time `json:"createdAt"`
}

// AnomalyBatchResult is the outcome of one orchestration pass.
type AnomalyBatchResult struct {
	Anomalies    []AnomalyDetection `json:"anomalies"`
	HighestScore float64            `json:"highestScore"`
	HasCritical  bool               `json:"hasCritical"`
}
