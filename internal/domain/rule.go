package domain

import (
	"fmt"
	"time"
)

// RuleCategory is the closed set of rule families. Every category has exactly
// one evaluator in the rule engine's dispatch table.
type RuleCategory string

const (
	CategoryVelocity  RuleCategory = "velocity"
	CategoryPattern   RuleCategory = "pattern"
	CategoryAmount    RuleCategory = "amount"
	CategoryGeography RuleCategory = "geography"
	CategoryDevice    RuleCategory = "device"
)

// RuleCategories lists every valid category.
func RuleCategories() []RuleCategory {
	return []RuleCategory{
		CategoryVelocity, CategoryPattern, CategoryAmount, CategoryGeography, CategoryDevice,
	}
}

// ParseRuleCategory validates a category string.
func ParseRuleCategory(s string) (RuleCategory, error) {
	c := RuleCategory(s)
	switch c {
	case CategoryVelocity, CategoryPattern, CategoryAmount, CategoryGeography, CategoryDevice:
		return c, nil
	}
	return "", fmt.Errorf("unknown rule category: %q", s)
}

// RuleThresholds are the typed knobs a rule's evaluator reads. Extra holds
// evaluator-specific values outside the known shape.
type RuleThresholds struct {
	MaxDailyCount     int      `json:"maxDailyCount,omitempty"`
	MaxHourlyCount    int      `json:"maxHourlyCount,omitempty"`
	MaxDailyVolume    float64  `json:"maxDailyVolume,omitempty"`
	MaxAmount         float64  `json:"maxAmount,omitempty"`
	MaxBalancePct     float64  `json:"maxBalancePct,omitempty"`
	MaxAvgMultiple    float64  `json:"maxAvgMultiple,omitempty"`
	ReportingAmount   float64  `json:"reportingAmount,omitempty"`
	RapidWindowSecs   float64  `json:"rapidWindowSecs,omitempty"`
	HighRiskCountries []string `json:"highRiskCountries,omitempty"`

	Extra map[string]float64 `json:"extra,omitempty"`
}

// Rule actions executed when a rule triggers.
const (
	ActionNotify = "notify"
	ActionFlag   = "flag"
)

// FraudRule is a configurable detection rule. Administered externally,
// read (cached) by the rule engine at evaluation time.
type FraudRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Category RuleCategory `json:"category"`

	// Severity orders evaluation (desc); BaseScore is the score contribution
	// when the rule triggers at multiplier 1.0.
	Severity  int     `json:"severity"`
	BaseScore float64 `json:"baseScore"`

	Thresholds RuleThresholds `json:"thresholds"`

	// Condition is an optional CEL expression gating the category evaluator.
	// Empty means the evaluator always runs.
	Condition string `json:"condition,omitempty"`

	Actions    []string `json:"actions,omitempty"`
	IsBlocking bool     `json:"isBlocking"`
	IsActive   bool     `json:"isActive"`

	TriggerCount    int64      `json:"triggerCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleEvaluation is the outcome of evaluating a single rule.
type RuleEvaluation struct {
	RuleID     string       `json:"ruleId"`
	Code       string       `json:"code"`
	Category   RuleCategory `json:"category"`
	Triggered  bool         `json:"triggered"`
	Multiplier float64      `json:"multiplier"` // score contribution = baseScore × multiplier
	Blocking   bool         `json:"blocking"`
	Reason     string       `json:"reason,omitempty"`
	ProcessMs  int64        `json:"processMs"`
}

// RuleEngineResult aggregates one engine pass over a transaction context.
type RuleEngineResult struct {
	TotalScore     float64          `json:"totalScore"` // capped at 100
	TriggeredRules []string         `json:"triggeredRules,omitempty"`
	BlockingRules  []string         `json:"blockingRules,omitempty"`
	Evaluations    []RuleEvaluation `json:"evaluations,omitempty"`
}

// WindowConfig defines one sliding velocity window.
type WindowConfig struct {
	Minutes   int     `json:"minutes"`
	MaxCount  int     `json:"maxCount"`
	MaxVolume float64 `json:"maxVolume"`
}

// WindowResult is the outcome of one sliding-window check.
type WindowResult struct {
	Label       string  `json:"label"`
	Count       int64   `json:"count"`
	Volume      float64 `json:"volume"`
	MaxCount    int     `json:"maxCount"`
	MaxVolume   float64 `json:"maxVolume"`
	Exceeded    bool    `json:"exceeded"`
	ExceedRatio float64 `json:"exceedRatio"` // max(count/maxCount, volume/maxVolume)
}

// BurstResult is the outcome of the burst-rate check.
type BurstResult struct {
	Detected   bool    `json:"detected"`
	BurstRatio float64 `json:"burstRatio"`
	Reason     string  `json:"reason,omitempty"`
}

// CrossAccountResult is the outcome of the shared device/IP correlation check.
type CrossAccountResult struct {
	Detected        bool  `json:"detected"`
	DeviceUserCount int64 `json:"deviceUserCount"`
	IPUserCount     int64 `json:"ipUserCount"`
}
