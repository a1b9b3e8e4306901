package domain

import "testing"

func TestDecisionForScore(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  Decision
	}{
		{"ExactBlockThreshold", 80.0, DecisionBlock},
		{"JustBelowBlock", 79.99, DecisionReview},
		{"ExactReviewThreshold", 60.0, DecisionReview},
		{"JustBelowReview", 59.99, DecisionChallenge},
		{"ExactChallengeThreshold", 40.0, DecisionChallenge},
		{"JustBelowChallenge", 39.99, DecisionAllow},
		{"Zero", 0, DecisionAllow},
		{"Ceiling", 100, DecisionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecisionForScore(tt.score); got != tt.want {
				t.Errorf("DecisionForScore(%.2f) = %q, want %q", tt.score, got, tt.want)
			}
		})
	}
}

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  RiskLevel
	}{
		{"ExactCritical", 80.0, RiskCritical},
		{"JustBelowCritical", 79.99, RiskHigh},
		{"ExactHigh", 60.0, RiskHigh},
		{"JustBelowHigh", 59.99, RiskMedium},
		{"ExactMedium", 40.0, RiskMedium},
		{"JustBelowMedium", 39.99, RiskLow},
		{"ExactLow", 20.0, RiskLow},
		{"JustBelowLow", 19.99, RiskMinimal},
		{"Zero", 0, RiskMinimal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskLevelForScore(tt.score); got != tt.want {
				t.Errorf("RiskLevelForScore(%.2f) = %q, want %q", tt.score, got, tt.want)
			}
		})
	}
}
