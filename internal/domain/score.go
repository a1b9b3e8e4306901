package domain

import "time"

// Decision is the terminal outcome of one scoring run.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionReview    Decision = "review"
	DecisionBlock     Decision = "block"
)

// RiskLevel classifies a total score.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score thresholds for the decision ladder. Boundaries are closed-above:
// a score of exactly 80.0 blocks.
const (
	BlockThreshold     = 80.0
	ReviewThreshold    = 60.0
	ChallengeThreshold = 40.0
)

// DecisionForScore maps a total score to a decision. Blocking rules override
// this mapping at the pipeline level.
func DecisionForScore(score float64) Decision {
	switch {
	case score >= BlockThreshold:
		return DecisionBlock
	case score >= ReviewThreshold:
		return DecisionReview
	case score >= ChallengeThreshold:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// RiskLevelForScore maps a total score to a risk level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// ScoreBreakdown holds the weighted components of a total score. ML is a
// pointer so an absent prediction is distinguishable from a zero one.
type ScoreBreakdown struct {
	Rules      float64  `json:"rules"`
	Behavioral float64  `json:"behavioral"`
	Device     float64  `json:"device"`
	ML         *float64 `json:"ml,omitempty"`
	Anomaly    float64  `json:"anomaly,omitempty"`
}

// AnalysisResults captures the per-component outputs attached to a score.
// Extra carries forward-compatible detail not covered by the known fields.
type AnalysisResults struct {
	TriggeredRules []string               `json:"triggeredRules,omitempty"`
	BlockingRules  []string               `json:"blockingRules,omitempty"`
	RiskFactors    []string               `json:"riskFactors,omitempty"`
	AnomalyTypes   []string               `json:"anomalyTypes,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// FraudScore is the immutable-after-decision record of one scoring run.
// It is created as a placeholder at the start of analysis and updated
// exactly once with the final result.
type FraudScore struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"` // "transaction" or "user"
	UserID     string `json:"userId"`

	TotalScore float64   `json:"totalScore"` // always within [0,100]
	RiskLevel  RiskLevel `json:"riskLevel"`

	Breakdown       ScoreBreakdown  `json:"breakdown"`
	Decision        Decision        `json:"decision"`
	DecisionFactors []string        `json:"decisionFactors,omitempty"`
	MLScore         *float64        `json:"mlScore,omitempty"`
	Results         AnalysisResults `json:"results"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entity types scored by the pipeline.
const (
	EntityTransaction = "transaction"
	EntityUser        = "user"
)

// NewPlaceholderScore returns the initial FraudScore row persisted before
// analysis runs, so a record exists even if the pipeline fails.
func NewPlaceholderScore(id, tenantID, entityID, entityType, userID string, now time.Time) *FraudScore {
	return &FraudScore{
		ID:         id,
		TenantID:   tenantID,
		EntityID:   entityID,
		EntityType: entityType,
		UserID:     userID,
		TotalScore: 0,
		RiskLevel:  RiskMinimal,
		Decision:   DecisionReview,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IndicatorSet is the lightweight fraud-indicator summary for a transaction,
// returned without running the full pipeline.
type IndicatorSet struct {
	TxID       string    `json:"txId"`
	Indicators []string  `json:"indicators"`
	Score      float64   `json:"score"`
	RiskLevel  RiskLevel `json:"riskLevel"`
}

// Fraud case states.
const (
	CaseStatusOpen     = "open"
	CaseStatusResolved = "resolved"
)

// FraudCase is the investigation record opened for high-risk scores. The
// pipeline only creates cases; resolution happens through the API.
type FraudCase struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	FraudScoreID string `json:"fraudScoreId"`
	EntityID     string `json:"entityId"`
	UserID       string `json:"userId"`

	Status   string    `json:"status"`
	Priority RiskLevel `json:"priority"`
	Reason   string    `json:"reason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
