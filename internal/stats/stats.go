// Package stats implements the per-transaction statistical outlier tests.
// Each test runs against the user's behavioral-profile snapshot and a bounded
// transaction-history sample, and degrades to detected=false with low
// confidence when history is insufficient. No test ever returns an error.
//
// The isolation-forest and LOF tests are deliberate heuristic approximations,
// not the textbook algorithms: there are no random trees and no true k-NN
// graph. The downstream scoring weights are tuned against this heuristic's
// output distribution, so it must not be replaced with the exact algorithms.
package stats

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detection methods reported by the tests.
const (
	MethodZScore          = "z_score"
	MethodIQR             = "iqr"
	MethodIsolationForest = "isolation_forest"
	MethodLOF             = "local_outlier_factor"
	MethodSeasonal        = "seasonal"
)

// TestResult is the outcome of one statistical test.
type TestResult struct {
	Method     string             `json:"method"`
	Detected   bool               `json:"detected"`
	Score      float64            `json:"score"`      // 0-100
	Confidence float64            `json:"confidence"` // 0-1
	Details    map[string]float64 `json:"details,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Result aggregates all tests from one analysis pass.
type Result struct {
	Tests []TestResult `json:"tests"`
}

// Best returns the test with the highest score.
func (r Result) Best() TestResult {
	var best TestResult
	for _, t := range r.Tests {
		if t.Score > best.Score {
			best = t
		}
	}
	return best
}

// Service runs the statistical outlier tests.
type Service struct {
	cfg *domain.ScoringConfig
}

// NewService creates a statistical analysis service.
func NewService(cfg *domain.ScoringConfig) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{cfg: cfg}
}

// Analyze runs every test against the context. The profile may be nil or
// immature; tests individually degrade.
func (s *Service) Analyze(tc *domain.TransactionContext) Result {
	return Result{Tests: []TestResult{
		s.ZScoreTest(tc),
		s.IQRTest(tc),
		s.IsolationForestTest(tc),
		s.LOFTest(tc),
		s.SeasonalTest(tc),
	}}
}

// ZScoreTest standardizes the amount, velocity and volume features against
// the profile baseline and flags any feature beyond the threshold.
// Velocity and volume baselines use the Poisson √mean approximation for their
// standard deviation.
func (s *Service) ZScoreTest(tc *domain.TransactionContext) TestResult {
	res := TestResult{Method: MethodZScore, Details: map[string]float64{}}

	p := tc.Profile
	if p == nil || p.TotalTransactionCount < 2 || p.AmountStdDev <= 0 {
		res.Confidence = 0.2
		res.Reason = "insufficient_baseline"
		return res
	}

	zAmount := (tc.Amount - p.AvgTransactionAmount) / p.AmountStdDev
	res.Details["z_amount"] = domain.Round4(zAmount)

	maxZ := math.Abs(zAmount)

	if p.AvgDailyCount > 0 {
		zVelocity := (float64(tc.DailyCount) - p.AvgDailyCount) / math.Sqrt(p.AvgDailyCount)
		res.Details["z_velocity"] = domain.Round4(zVelocity)
		maxZ = math.Max(maxZ, math.Abs(zVelocity))
	}
	if p.AvgDailyVolume > 0 {
		zVolume := (tc.DailyVolume - p.AvgDailyVolume) / math.Sqrt(p.AvgDailyVolume)
		res.Details["z_volume"] = domain.Round4(zVolume)
		maxZ = math.Max(maxZ, math.Abs(zVolume))
	}

	res.Details["max_z"] = domain.Round4(maxZ)
	res.Detected = maxZ > s.cfg.ZScoreThreshold
	res.Score = domain.Round2(math.Min(100, maxZ/s.cfg.ZScoreThreshold*50))
	res.Confidence = sampleConfidence(p.TotalTransactionCount, 10)
	return res
}

// IQRTest applies Tukey's fences over the sorted amount history.
func (s *Service) IQRTest(tc *domain.TransactionContext) TestResult {
	res := TestResult{Method: MethodIQR, Details: map[string]float64{}}

	if len(tc.HistoryAmounts) < s.cfg.IQRMinSamples {
		res.Confidence = 0.2
		res.Reason = "insufficient_samples"
		return res
	}

	sorted := append([]float64(nil), tc.HistoryAmounts...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		// Degenerate history (all identical amounts); any different amount
		// is suspicious but there is no scale to score it against.
		res.Confidence = 0.3
		res.Reason = "degenerate_distribution"
		res.Detected = tc.Amount != q1
		if res.Detected {
			res.Score = 50
		}
		return res
	}

	lower := q1 - s.cfg.IQRMultiplier*iqr
	upper := q3 + s.cfg.IQRMultiplier*iqr
	res.Details["q1"] = domain.Round4(q1)
	res.Details["q3"] = domain.Round4(q3)
	res.Details["lower_bound"] = domain.Round4(lower)
	res.Details["upper_bound"] = domain.Round4(upper)

	var beyond float64
	switch {
	case tc.Amount > upper:
		beyond = tc.Amount - upper
	case tc.Amount < lower:
		beyond = lower - tc.Amount
	}

	if beyond > 0 {
		res.Detected = true
		res.Score = domain.Round2(math.Min(100, beyond/iqr*50))
	}
	res.Confidence = sampleConfidence(int64(len(sorted)), int64(s.cfg.IQRMinSamples))
	return res
}

// IsolationForestTest approximates isolation-path depth per feature with a
// sigmoid-normalized extremity transform: extreme feature values isolate in
// short paths, typical values in long ones.
func (s *Service) IsolationForestTest(tc *domain.TransactionContext) TestResult {
	res := TestResult{Method: MethodIsolationForest, Details: map[string]float64{}}

	p := tc.Profile
	if p == nil || p.AvgTransactionAmount <= 0 {
		res.Confidence = 0.2
		res.Reason = "insufficient_baseline"
		return res
	}

	features := map[string]float64{
		"amount_ratio": tc.Amount / p.AvgTransactionAmount,
	}
	if p.AvgDailyCount > 0 {
		features["count_ratio"] = float64(tc.DailyCount) / p.AvgDailyCount
	}
	if p.AvgDailyVolume > 0 {
		features["volume_ratio"] = tc.DailyVolume / p.AvgDailyVolume
	}

	var totalPath float64
	for name, value := range features {
		path := pathLength(value)
		res.Details["path_"+name] = path
		totalPath += path
	}
	avgPath := totalPath / float64(len(features))

	anomalyScore := 1 - avgPath/10
	res.Details["anomaly_score"] = domain.Round4(anomalyScore)
	res.Detected = anomalyScore > 1-s.cfg.Contamination
	res.Score = domain.Round2(math.Max(0, anomalyScore*100))
	res.Confidence = sampleConfidence(p.TotalTransactionCount, 10)
	return res
}

// pathLength simulates isolation depth for a normalized feature value.
// Values near 1 (typical) yield deep paths; extreme values isolate quickly.
func pathLength(value float64) float64 {
	extremity := sigmoid(math.Abs(value) - 1)
	return math.Max(1, 10-math.Round(9*extremity))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// lofK is the neighborhood size of the LOF approximation.
const lofK = 5

// LOFTest approximates a local outlier factor over the sorted amount history:
// the neighborhood of the current amount is its k nearest values in sorted
// order, and density is the reciprocal mean reachability within it. Values
// far from the neutral factor 1.0 in either direction are flagged.
func (s *Service) LOFTest(tc *domain.TransactionContext) TestResult {
	res := TestResult{Method: MethodLOF, Details: map[string]float64{}}

	if len(tc.HistoryAmounts) < lofK+1 {
		res.Confidence = 0.2
		res.Reason = "insufficient_samples"
		return res
	}

	sorted := append([]float64(nil), tc.HistoryAmounts...)
	sort.Float64s(sorted)

	pointLRD, neighbors := localReachabilityDensity(tc.Amount, sorted)
	if pointLRD <= 0 {
		res.Confidence = 0.3
		res.Reason = "degenerate_distribution"
		return res
	}

	var neighborLRDSum float64
	for _, nb := range neighbors {
		lrd, _ := localReachabilityDensity(nb, sorted)
		neighborLRDSum += lrd
	}
	lof := neighborLRDSum / float64(len(neighbors)) / pointLRD

	res.Details["lof"] = domain.Round4(lof)
	res.Detected = lof < 0.5 || lof > 2.0
	res.Score = domain.Round2(math.Min(100, math.Abs(lof-1)*50))
	res.Confidence = sampleConfidence(int64(len(sorted)), lofK+1)
	return res
}

// localReachabilityDensity returns the reciprocal mean k-reachability of
// value within the sorted sample, plus the neighbor values used.
func localReachabilityDensity(value float64, sorted []float64) (float64, []float64) {
	type nb struct {
		v float64
		d float64
	}
	all := make([]nb, 0, len(sorted))
	for _, v := range sorted {
		all = append(all, nb{v: v, d: math.Abs(v - value)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].d < all[j].d })

	k := lofK
	if k > len(all) {
		k = len(all)
	}
	kDist := all[k-1].d

	var reachSum float64
	neighbors := make([]float64, 0, k)
	for _, n := range all[:k] {
		neighbors = append(neighbors, n.v)
		reachSum += math.Max(n.d, kDist)
	}
	if reachSum == 0 {
		return 0, neighbors
	}
	return float64(k) / reachSum, neighbors
}

// Frequency floors for the seasonal test.
const (
	rareHourFrequency = 0.02
	rareDayFrequency  = 0.05
)

// SeasonalTest flags transactions landing in hour/day buckets the user has
// historically almost never used.
func (s *Service) SeasonalTest(tc *domain.TransactionContext) TestResult {
	res := TestResult{Method: MethodSeasonal, Details: map[string]float64{}}

	p := tc.Profile
	if p == nil || p.TotalTransactionCount < 10 {
		res.Confidence = 0.2
		res.Reason = "insufficient_baseline"
		return res
	}
	p.EnsureDistributions()

	var hourTotal, dayTotal float64
	for _, c := range p.TypicalHours {
		hourTotal += c
	}
	for _, c := range p.TypicalDays {
		dayTotal += c
	}
	if hourTotal == 0 || dayTotal == 0 {
		res.Confidence = 0.2
		res.Reason = "insufficient_baseline"
		return res
	}

	hour := tc.Timestamp.Hour()
	day := int(tc.Timestamp.Weekday())
	hourFreq := p.TypicalHours[hour] / hourTotal
	dayFreq := p.TypicalDays[day] / dayTotal
	res.Details["hour_frequency"] = domain.Round4(hourFreq)
	res.Details["day_frequency"] = domain.Round4(dayFreq)

	var score float64
	if hourFreq < rareHourFrequency {
		res.Detected = true
		score += 60
	}
	if dayFreq < rareDayFrequency {
		res.Detected = true
		score += 40
	}
	res.Score = domain.Round2(score)
	res.Confidence = sampleConfidence(p.TotalTransactionCount, 10)
	return res
}

// sampleConfidence scales confidence with sample availability: the minimum
// viable sample scores 0.5, growing to 0.95 at five times that size.
func sampleConfidence(n, min int64) float64 {
	if min <= 0 {
		min = 1
	}
	if n < min {
		return 0.2
	}
	ratio := float64(n) / float64(5*min)
	return domain.Round4(math.Min(0.95, 0.5+0.45*math.Min(1, ratio)))
}

// quantile returns the linearly interpolated q-quantile of a sorted sample.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
