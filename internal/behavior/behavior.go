// Package behavior implements per-user behavioral analysis: deviation from
// the rolling profile baseline, adaptive thresholds, drift detection,
// segmentation, and the profile update applied after every scored
// transaction.
package behavior

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service analyzes transactions against behavioral profiles and maintains
// the profiles themselves.
type Service struct {
	repo domain.Repository
	cfg  *domain.ScoringConfig
}

// NewService creates a behavioral analysis service.
func NewService(repo domain.Repository, cfg *domain.ScoringConfig) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{repo: repo, cfg: cfg}
}

// Result is the outcome of one behavioral analysis pass.
type Result struct {
	RiskScore      float64            `json:"riskScore"` // 0-100
	RiskFactors    []string           `json:"riskFactors,omitempty"`
	IsEstablished  bool               `json:"isEstablished"`
	DeviationScore float64            `json:"deviationScore"`
	Details        map[string]float64 `json:"details,omitempty"`
}

// newProfileScore is the flat elevated score for users without an
// established baseline.
const newProfileScore = 30.0

// Analyze scores a transaction against the user's behavioral profile.
// Unestablished profiles get a flat elevated score; established profiles
// accumulate contributions from the timing, amount, location, device,
// pattern, velocity and recipient sub-analyses, blended with the profile
// deviation score.
func (s *Service) Analyze(tc *domain.TransactionContext) Result {
	p := tc.Profile
	if p == nil || !p.IsEstablished {
		return Result{
			RiskScore:   newProfileScore,
			RiskFactors: []string{"new_user_profile"},
		}
	}

	res := Result{IsEstablished: true, Details: map[string]float64{}}
	var risk float64

	add := func(name string, score float64, factors ...string) {
		if score <= 0 {
			return
		}
		risk += score
		res.Details[name] = score
		res.RiskFactors = append(res.RiskFactors, factors...)
	}

	add("timing", s.timingRisk(p, tc))
	add("amount", s.amountRisk(p, tc))
	add("location", s.locationRisk(p, tc))
	add("device", s.deviceRisk(p, tc))
	add("pattern", s.patternRisk(p, tc))
	add("velocity", s.velocityRisk(p, tc))
	add("recipient", s.recipientRisk(p, tc))
	res.RiskFactors = append(res.RiskFactors, s.riskFactors(p, tc)...)

	res.DeviationScore = s.DeviationScore(p, tc)
	res.RiskScore = domain.Round2(math.Min(100, (math.Min(100, risk)+res.DeviationScore)/2))
	return res
}

// Per-signal risk contributions for established profiles.
const (
	unusualHourRisk      = 15.0
	unusualDayRisk       = 10.0
	thresholdBreachRisk  = 20.0
	largeMultipleRisk    = 15.0
	newMaxAmountRisk     = 10.0
	newCountryRisk       = 15.0
	highRiskCountryRisk  = 25.0
	untrustedDeviceRisk  = 15.0
	missingDeviceRisk    = 10.0
	drainRisk            = 25.0
	rapidSequenceRisk    = 20.0
	dormantRisk          = 20.0
	patternChangeRisk    = 15.0
	countVelocityRisk    = 15.0
	volumeVelocityRisk   = 15.0
	unknownRecipientRisk = 10.0
)

func (s *Service) timingRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	var risk float64
	if s.isUnusualHour(p, tc) {
		risk += unusualHourRisk
	}
	if s.isUnusualDay(p, tc) {
		risk += unusualDayRisk
	}
	return risk
}

func (s *Service) amountRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	var risk float64
	if t := p.AdaptiveThresholds; t != nil && tc.Amount > t.AmountUpper {
		risk += thresholdBreachRisk
	}
	if p.AvgTransactionAmount > 0 && tc.Amount > 3*p.AvgTransactionAmount {
		risk += largeMultipleRisk
	}
	if p.MaxTransactionAmount > 0 && tc.Amount > p.MaxTransactionAmount {
		risk += newMaxAmountRisk
	}
	return risk
}

func (s *Service) locationRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	var risk float64
	if tc.Country != "" && !p.KnowsCountry(tc.Country) {
		risk += newCountryRisk
	}
	for _, c := range s.cfg.HighRiskCountries {
		if c == tc.Country {
			risk += highRiskCountryRisk
			break
		}
	}
	return risk
}

func (s *Service) deviceRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	if tc.Device == nil {
		return missingDeviceRisk
	}
	if hash := deviceHash(tc); hash != "" && !p.TrustsDevice(hash) {
		return untrustedDeviceRisk
	}
	return 0
}

// patternRisk covers the structural abuse patterns: account draining, rapid
// deposit→withdrawal sequencing, dormant-account reactivation, and
// multi-signal pattern change.
func (s *Service) patternRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	var risk float64

	if tc.TxType == "withdrawal" && tc.AccountBalance > 0 && tc.Amount > 0.8*tc.AccountBalance {
		risk += drainRisk
	}
	if tc.TxType == "withdrawal" && tc.PreviousTxType == "deposit" &&
		tc.SecondsSinceLastTx > 0 && tc.SecondsSinceLastTx < 30 {
		risk += rapidSequenceRisk
	}
	if tc.DaysSinceLastActivity > 90 {
		risk += dormantRisk
	}

	signals := 0
	if tc.Device != nil && !p.TrustsDevice(deviceHash(tc)) {
		signals++
	}
	if tc.Country != "" && !p.KnowsCountry(tc.Country) {
		signals++
	}
	if s.isUnusualHour(p, tc) {
		signals++
	}
	if signals >= 2 {
		risk += patternChangeRisk
	}
	return risk
}

func (s *Service) velocityRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	t := p.AdaptiveThresholds
	if t == nil {
		return 0
	}
	var risk float64
	if t.DailyCountMax > 0 && float64(tc.DailyCount) > t.DailyCountMax {
		risk += countVelocityRisk
	}
	if t.DailyVolumeMax > 0 && tc.DailyVolume > t.DailyVolumeMax {
		risk += volumeVelocityRisk
	}
	return risk
}

func (s *Service) recipientRisk(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	if tc.TxType != "transfer" && tc.TxType != "payment" {
		return 0
	}
	if tc.CounterpartyID != "" && !p.KnowsRecipient(tc.CounterpartyID) {
		return unknownRecipientRisk
	}
	return 0
}

// riskFactors names the contributing signals for the decision record.
func (s *Service) riskFactors(p *domain.BehavioralProfile, tc *domain.TransactionContext) []string {
	var factors []string
	if s.isUnusualHour(p, tc) {
		factors = append(factors, "unusual_hour")
	}
	if t := p.AdaptiveThresholds; t != nil && tc.Amount > t.AmountUpper {
		factors = append(factors, "amount_above_adaptive_threshold")
	}
	if tc.Country != "" && !p.KnowsCountry(tc.Country) {
		factors = append(factors, "new_country")
	}
	if tc.Device != nil && !p.TrustsDevice(deviceHash(tc)) {
		factors = append(factors, "untrusted_device")
	}
	if tc.TxType == "withdrawal" && tc.AccountBalance > 0 && tc.Amount > 0.8*tc.AccountBalance {
		factors = append(factors, "account_draining")
	}
	if tc.DaysSinceLastActivity > 90 {
		factors = append(factors, "dormant_reactivation")
	}
	return factors
}

// DeviationScore measures how far the transaction sits from the profile's
// numeric baseline, independent of the discrete risk signals: a z-style
// amount deviation blended with the daily-count ratio.
func (s *Service) DeviationScore(p *domain.BehavioralProfile, tc *domain.TransactionContext) float64 {
	var amountDev float64
	if p.AmountStdDev > 0 {
		z := math.Abs(tc.Amount-p.AvgTransactionAmount) / p.AmountStdDev
		amountDev = math.Min(100, z/s.cfg.ZScoreThreshold*50)
	}

	var countDev float64
	if p.AvgDailyCount > 0 {
		ratio := float64(tc.DailyCount) / p.AvgDailyCount
		if ratio > 1 {
			countDev = math.Min(100, (ratio-1)*25)
		}
	}

	return domain.Round2(0.7*amountDev + 0.3*countDev)
}

// ThresholdBreaches lists which adaptive thresholds the context exceeds.
func (s *Service) ThresholdBreaches(p *domain.BehavioralProfile, tc *domain.TransactionContext) []string {
	if p == nil || p.AdaptiveThresholds == nil {
		return nil
	}
	t := p.AdaptiveThresholds
	var breaches []string
	if tc.Amount > t.AmountUpper && t.AmountUpper > 0 {
		breaches = append(breaches, "amount_upper")
	}
	if tc.Amount < t.AmountLower && tc.Amount > 0 {
		breaches = append(breaches, "amount_lower")
	}
	if t.DailyCountMax > 0 && float64(tc.DailyCount) > t.DailyCountMax {
		breaches = append(breaches, "daily_count")
	}
	if t.DailyVolumeMax > 0 && tc.DailyVolume > t.DailyVolumeMax {
		breaches = append(breaches, "daily_volume")
	}
	return breaches
}

func (s *Service) isUnusualHour(p *domain.BehavioralProfile, tc *domain.TransactionContext) bool {
	p.EnsureDistributions()
	var total float64
	for _, c := range p.TypicalHours {
		total += c
	}
	if total == 0 {
		return false
	}
	return p.TypicalHours[tc.Timestamp.Hour()]/total < 0.02
}

func (s *Service) isUnusualDay(p *domain.BehavioralProfile, tc *domain.TransactionContext) bool {
	p.EnsureDistributions()
	var total float64
	for _, c := range p.TypicalDays {
		total += c
	}
	if total == 0 {
		return false
	}
	return p.TypicalDays[int(tc.Timestamp.Weekday())]/total < 0.05
}

func deviceHash(tc *domain.TransactionContext) string {
	if tc.Device == nil {
		return ""
	}
	if tc.Device.DeviceID != "" {
		return tc.Device.DeviceID
	}
	return ""
}

// ComputeAdaptiveThresholds derives the per-user learned bounds from the
// profile's rolling statistics and persists them onto the profile.
func (s *Service) ComputeAdaptiveThresholds(p *domain.BehavioralProfile) *domain.AdaptiveThresholds {
	sens := s.cfg.ThresholdSensitivity
	t := &domain.AdaptiveThresholds{
		AmountUpper:    p.AvgTransactionAmount + sens*p.AmountStdDev,
		AmountLower:    math.Max(0, p.AvgTransactionAmount-sens*p.AmountStdDev),
		DailyVolumeMax: p.MaxDailyVolume * (1 + 0.5*sens),
	}
	if p.AvgDailyCount > 0 {
		t.DailyCountMax = p.AvgDailyCount + math.Ceil(sens*math.Sqrt(p.AvgDailyCount))
	}
	p.AdaptiveThresholds = t
	return t
}

// DriftResult is the outcome of CUSUM-style drift detection.
type DriftResult struct {
	Drifted         bool    `json:"drifted"`
	DriftScore      float64 `json:"driftScore"`
	NormalizedShift float64 `json:"normalizedShift"`
	CountRatio      float64 `json:"countRatio"`
}

// DetectDrift compares the recent transaction window against the long-run
// baseline: a normalized mean shift blended with the count deviation ratio.
func (s *Service) DetectDrift(p *domain.BehavioralProfile, recent []*domain.Transaction) DriftResult {
	var res DriftResult
	if p == nil || len(recent) == 0 || p.AmountStdDev <= 0 {
		return res
	}

	var sum float64
	for _, tx := range recent {
		sum += tx.Amount
	}
	recentMean := sum / float64(len(recent))

	res.NormalizedShift = math.Abs(recentMean-p.AvgTransactionAmount) / p.AmountStdDev

	if p.AvgDailyCount > 0 {
		// Expected count for the span covered by the recent window.
		days := recentSpanDays(recent)
		expected := p.AvgDailyCount * days
		if expected > 0 {
			res.CountRatio = math.Abs(float64(len(recent))-expected) / expected
		}
	}

	res.DriftScore = math.Min(1, 0.6*res.NormalizedShift+0.4*res.CountRatio)
	res.DriftScore = domain.Round4(res.DriftScore)
	res.Drifted = res.DriftScore > s.cfg.DriftThreshold
	return res
}

func recentSpanDays(recent []*domain.Transaction) float64 {
	var min, max time.Time
	for _, tx := range recent {
		if min.IsZero() || tx.Timestamp.Before(min) {
			min = tx.Timestamp
		}
		if max.IsZero() || tx.Timestamp.After(max) {
			max = tx.Timestamp
		}
	}
	days := max.Sub(min).Hours() / 24
	if days < 1 {
		days = 1
	}
	return days
}

// Segmentation limits.
const (
	highValueAvgAmount    = 10000.0
	highValueMonthlyTxns  = 20.0
	occasionalMonthlyTxns = 5.0
	newAccountAge         = 30 * 24 * time.Hour
	dormantGap            = 90 * 24 * time.Hour
)

// ClassifySegment assigns the profile's segment by deterministic precedence
// and accumulates segment tags without duplicates.
func (s *Service) ClassifySegment(p *domain.BehavioralProfile, now time.Time) string {
	var segment string
	switch {
	case !p.LastTransactionAt.IsZero() && now.Sub(p.LastTransactionAt) > dormantGap:
		segment = domain.SegmentDormantReactivated
	case now.Sub(p.CreatedAt) < newAccountAge:
		segment = domain.SegmentNewAccount
	case p.AvgTransactionAmount > highValueAvgAmount && p.AvgMonthlyCount > highValueMonthlyTxns:
		segment = domain.SegmentHighValueTrader
	case p.AvgMonthlyCount < occasionalMonthlyTxns:
		segment = domain.SegmentOccasionalUser
	default:
		segment = domain.SegmentRetailConsumer
	}

	p.Segment = segment
	addTag := true
	for _, tag := range p.SegmentTags {
		if tag == segment {
			addTag = false
			break
		}
	}
	if addTag {
		p.SegmentTags = append(p.SegmentTags, segment)
	}
	return segment
}

// UpdateProfile applies one scored transaction to the user's profile:
// rolling statistics over the retention window, activity distributions,
// trusted-device promotion on allowed transactions, suspicious-activity
// markers on high-risk outcomes, maturity, adaptive thresholds, drift and
// segment. The profile is rewritten in a single upsert so concurrent
// analyses never interleave partial baselines.
func (s *Service) UpdateProfile(ctx context.Context, tc *domain.TransactionContext, decision domain.Decision, riskLevel domain.RiskLevel) error {
	now := time.Now().UTC()

	p, err := s.repo.GetOrCreateProfile(ctx, tc.TenantID, tc.UserID)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	p.EnsureDistributions()

	recent, err := s.repo.RecentTransactions(ctx, tc.TenantID, tc.UserID, s.cfg.MaxHistorySize)
	if err != nil {
		return fmt.Errorf("recent transactions: %w", err)
	}
	recent = withinRetention(recent, now.Add(-s.cfg.HistoryRetention))

	// Drift and segment are judged against the pre-update baseline.
	drift := s.DetectDrift(p, recent)
	p.DriftScore = drift.DriftScore
	s.ClassifySegment(p, now)

	// Rolling statistics include the transaction being scored.
	amounts := make([]float64, 0, len(recent)+1)
	amounts = append(amounts, tc.Amount)
	for _, tx := range recent {
		amounts = append(amounts, tx.Amount)
	}
	mean, std := meanStdDev(amounts)
	p.AvgTransactionAmount = domain.Round2(mean)
	p.AmountStdDev = domain.Round2(std)
	if tc.Amount > p.MaxTransactionAmount {
		p.MaxTransactionAmount = tc.Amount
	}

	days := recentSpanDays(append(recent, &domain.Transaction{Amount: tc.Amount, Timestamp: tc.Timestamp}))
	total := sum(amounts)
	p.AvgDailyCount = domain.Round2(float64(len(amounts)) / days)
	p.AvgDailyVolume = domain.Round2(total / days)
	p.AvgMonthlyCount = domain.Round2(float64(len(amounts)) / days * 30)
	if tc.DailyVolume+tc.Amount > p.MaxDailyVolume {
		p.MaxDailyVolume = tc.DailyVolume + tc.Amount
	}

	p.TypicalHours[tc.Timestamp.Hour()]++
	p.TypicalDays[int(tc.Timestamp.Weekday())]++

	p.TotalTransactionCount++
	if p.FirstTransactionAt.IsZero() {
		p.FirstTransactionAt = tc.Timestamp
	}
	p.LastTransactionAt = tc.Timestamp

	if decision == domain.DecisionAllow {
		if tc.Device != nil && tc.Device.DeviceID != "" && !p.TrustsDevice(tc.Device.DeviceID) {
			p.TrustedDevices = append(p.TrustedDevices, tc.Device.DeviceID)
		}
		if tc.Country != "" && !p.KnowsCountry(tc.Country) {
			p.UsualCountries = append(p.UsualCountries, tc.Country)
		}
		if tc.CounterpartyID != "" && !p.KnowsRecipient(tc.CounterpartyID) {
			p.KnownRecipients = append(p.KnownRecipients, tc.CounterpartyID)
		}
	}
	if riskLevel == domain.RiskHigh || riskLevel == domain.RiskCritical {
		p.SuspiciousActivityCount++
	}

	p.IsEstablished = p.Mature(now)
	s.ComputeAdaptiveThresholds(p)
	p.UpdatedAt = now

	if err := s.repo.SaveProfile(ctx, tc.TenantID, p); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func withinRetention(txs []*domain.Transaction, cutoff time.Time) []*domain.Transaction {
	kept := txs[:0]
	for _, tx := range txs {
		if !tx.Timestamp.Before(cutoff) {
			kept = append(kept, tx)
		}
	}
	return kept
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	m := sum(values) / float64(len(values))
	if len(values) < 2 {
		return m, 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return m, math.Sqrt(sq / float64(len(values)-1))
}

func sum(values []float64) float64 {
	var t float64
	for _, v := range values {
		t += v
	}
	return t
}
