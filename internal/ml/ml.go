// Package ml provides the explainable heuristic fraud-probability model.
// It is a stand-in for a trained model: feature extraction is real, the
// prediction is an additive blend of risk and trust indicators.
package ml

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Inputs carries the upstream analysis outputs consumed as model features.
type Inputs struct {
	RuleScore       float64
	BlockingRules   int
	BehavioralScore float64
	DeviceScore     float64
	AnomalyScore    float64
	AnomalyCount    int
}

// Feature is one engineered model input with its static importance weight.
type Feature struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Importance float64 `json:"importance"`
}

// Prediction is the model output. A disabled model yields a neutral
// prediction and never blocks the pipeline.
type Prediction struct {
	Enabled          bool      `json:"enabled"`
	FraudProbability float64   `json:"fraudProbability"` // [0,1]
	Score            float64   `json:"score"`            // probability × 100
	Confidence       float64   `json:"confidence"`
	Reason           string    `json:"reason,omitempty"`
	Indicators       []string  `json:"indicators,omitempty"`
	Features         []Feature `json:"features,omitempty"`
}

// Insight is one ranked entry of the explainability report.
type Insight struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Importance   float64 `json:"importance"`
	Contribution float64 `json:"contribution"` // |importance × value|
}

// Service computes fraud probabilities from engineered features.
type Service struct {
	cfg *domain.ScoringConfig
}

// NewService creates an ML service.
func NewService(cfg *domain.ScoringConfig) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{cfg: cfg}
}

// Probability adjustments. Risk indicators add, trust indicators subtract;
// the result is clamped to [0,1].
const (
	weightBlockingRules   = 0.40
	weightHighComposite   = 0.30
	weightAnonymizing     = 0.20
	weightAmountDeviation = 0.15
	weightHighRiskCountry = 0.15

	weightTrustedDevice = 0.20
	weightMatureProfile = 0.15
	weightStrongKYC     = 0.10

	highCompositeThreshold = 60.0
	amountDeviationMult    = 5.0
)

// ExtractFeatures converts a context plus upstream results into the model's
// normalized feature vector.
func (s *Service) ExtractFeatures(tc *domain.TransactionContext, in *Inputs) []Feature {
	if in == nil {
		in = &Inputs{}
	}

	features := []Feature{
		{Name: "log_amount", Value: math.Log1p(tc.Amount), Importance: 0.08},
		{Name: "amount", Value: tc.Amount, Importance: 0.02},
		{Name: "balance_share", Value: ratio(tc.Amount, tc.AccountBalance), Importance: 0.06},
		{Name: "daily_count", Value: float64(tc.DailyCount), Importance: 0.05},
		{Name: "hourly_count", Value: float64(tc.HourlyCount), Importance: 0.05},
		{Name: "daily_volume", Value: tc.DailyVolume, Importance: 0.02},
		{Name: "log_seconds_since_last_tx", Value: math.Log1p(tc.SecondsSinceLastTx), Importance: 0.04},
		{Name: "days_since_last_activity", Value: tc.DaysSinceLastActivity, Importance: 0.03},
		{Name: "hour_of_day", Value: float64(tc.Timestamp.Hour()), Importance: 0.03},
		{Name: "day_of_week", Value: float64(tc.Timestamp.Weekday()), Importance: 0.02},
		{Name: "high_risk_country", Value: boolFeature(s.isHighRiskCountry(tc.Country)), Importance: 0.10},
		{Name: "country_known", Value: boolFeature(tc.Profile != nil && tc.Profile.KnowsCountry(tc.Country)), Importance: 0.05},
		{Name: "rule_score", Value: in.RuleScore / 100, Importance: 0.12},
		{Name: "blocking_rule_count", Value: float64(in.BlockingRules), Importance: 0.15},
		{Name: "behavioral_score", Value: in.BehavioralScore / 100, Importance: 0.10},
		{Name: "device_score", Value: in.DeviceScore / 100, Importance: 0.08},
		{Name: "anomaly_score", Value: in.AnomalyScore / 100, Importance: 0.08},
		{Name: "anomaly_count", Value: float64(in.AnomalyCount), Importance: 0.05},
		{Name: "composite_risk", Value: s.compositeRisk(in) / 100, Importance: 0.12},
	}

	if tc.Profile != nil {
		p := tc.Profile
		features = append(features,
			Feature{Name: "amount_to_avg_ratio", Value: ratio(tc.Amount, p.AvgTransactionAmount), Importance: 0.10},
			Feature{Name: "amount_to_max_ratio", Value: ratio(tc.Amount, p.MaxTransactionAmount), Importance: 0.05},
			Feature{Name: "amount_zscore", Value: zScore(tc.Amount, p.AvgTransactionAmount, p.AmountStdDev), Importance: 0.10},
			Feature{Name: "profile_established", Value: boolFeature(p.IsEstablished), Importance: 0.06},
			Feature{Name: "transaction_count", Value: float64(p.TotalTransactionCount), Importance: 0.03},
			Feature{Name: "suspicious_ratio", Value: ratio(float64(p.SuspiciousActivityCount), float64(p.TotalTransactionCount)), Importance: 0.08},
			Feature{Name: "drift_score", Value: p.DriftScore, Importance: 0.05},
		)
	}

	if tc.DeviceRecord != nil {
		d := tc.DeviceRecord
		features = append(features,
			Feature{Name: "device_trust", Value: d.TrustScore / 100, Importance: 0.06},
			Feature{Name: "device_seen_count", Value: float64(d.SeenCount), Importance: 0.03},
			Feature{Name: "anonymizing_connection", Value: boolFeature(d.IsVPN || d.IsProxy || d.IsTor), Importance: 0.10},
		)
	}

	if tc.User != nil {
		features = append(features,
			Feature{Name: "kyc_strong", Value: boolFeature(tc.User.KYCLevel == "enhanced" || tc.User.KYCLevel == "full"), Importance: 0.04},
		)
	}

	return features
}

// Predict computes the fraud probability for a context. A disabled service
// returns a neutral result tagged with its reason and never errors.
func (s *Service) Predict(tc *domain.TransactionContext, in *Inputs) *Prediction {
	if !s.cfg.MLEnabled {
		return &Prediction{
			Enabled: false,
			Reason:  "ML service disabled",
		}
	}
	if in == nil {
		in = &Inputs{}
	}

	var probability float64
	var indicators []string

	if in.BlockingRules > 0 {
		probability += weightBlockingRules
		indicators = append(indicators, "blocking_rules_triggered")
	}
	if s.compositeRisk(in) >= highCompositeThreshold {
		probability += weightHighComposite
		indicators = append(indicators, "high_composite_risk")
	}
	if tc.DeviceRecord != nil && (tc.DeviceRecord.IsVPN || tc.DeviceRecord.IsProxy || tc.DeviceRecord.IsTor) {
		probability += weightAnonymizing
		indicators = append(indicators, "anonymizing_connection")
	}
	if tc.Profile != nil && tc.Profile.AvgTransactionAmount > 0 &&
		tc.Amount > amountDeviationMult*tc.Profile.AvgTransactionAmount {
		probability += weightAmountDeviation
		indicators = append(indicators, "extreme_amount_deviation")
	}
	if s.isHighRiskCountry(tc.Country) {
		probability += weightHighRiskCountry
		indicators = append(indicators, "high_risk_country")
	}

	if tc.Profile != nil && tc.DeviceRecord != nil &&
		tc.Profile.TrustsDevice(tc.DeviceRecord.FingerprintHash) {
		probability -= weightTrustedDevice
		indicators = append(indicators, "trusted_device")
	}
	if tc.Profile != nil && tc.Profile.IsEstablished && tc.Profile.SuspiciousActivityCount == 0 {
		probability -= weightMatureProfile
		indicators = append(indicators, "mature_clean_profile")
	}
	if tc.User != nil && (tc.User.KYCLevel == "enhanced" || tc.User.KYCLevel == "full") {
		probability -= weightStrongKYC
		indicators = append(indicators, "strong_kyc")
	}

	probability = domain.Clamp(probability, 0, 1)

	return &Prediction{
		Enabled:          true,
		FraudProbability: domain.Round4(probability),
		Score:            domain.Round2(probability * 100),
		Confidence:       s.confidence(tc, in),
		Indicators:       indicators,
		Features:         s.ExtractFeatures(tc, in),
	}
}

// confidence grows with data availability: profile depth, device history and
// how many upstream signals actually fired.
func (s *Service) confidence(tc *domain.TransactionContext, in *Inputs) float64 {
	conf := 0.5

	if tc.Profile != nil {
		conf += 0.15 * math.Min(1, float64(tc.Profile.TotalTransactionCount)/50)
		if tc.Profile.IsEstablished {
			conf += 0.10
		}
	}
	if tc.DeviceRecord != nil {
		conf += 0.10 * math.Min(1, float64(tc.DeviceRecord.SeenCount)/10)
	}
	if in.RuleScore > 0 || in.AnomalyCount > 0 {
		conf += 0.10
	}
	if len(tc.HistoryAmounts) >= s.cfg.IQRMinSamples {
		conf += 0.05
	}

	return domain.Round4(math.Min(1, conf))
}

// GetExplainableInsights ranks the extracted features by absolute weighted
// contribution and returns the top 10.
func (s *Service) GetExplainableInsights(tc *domain.TransactionContext, in *Inputs) []Insight {
	features := s.ExtractFeatures(tc, in)

	insights := make([]Insight, 0, len(features))
	for _, f := range features {
		insights = append(insights, Insight{
			Feature:      f.Name,
			Value:        f.Value,
			Importance:   f.Importance,
			Contribution: domain.Round4(math.Abs(f.Importance * f.Value)),
		})
	}

	sort.SliceStable(insights, func(i, j int) bool {
		return insights[i].Contribution > insights[j].Contribution
	})

	if len(insights) > 10 {
		insights = insights[:10]
	}
	return insights
}

func (s *Service) compositeRisk(in *Inputs) float64 {
	// Same weighting the pipeline aggregation uses, without the ML term.
	return (in.RuleScore*0.35 + in.BehavioralScore*0.25 + in.DeviceScore*0.20) / 0.80
}

func (s *Service) isHighRiskCountry(country string) bool {
	if country == "" {
		return false
	}
	for _, c := range s.cfg.HighRiskCountries {
		if c == country {
			return true
		}
	}
	return false
}

func ratio(value, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return value / base
}

func zScore(value, mean, stddev float64) float64 {
	if stddev <= 0 {
		return 0
	}
	return (value - mean) / stddev
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
