// Package fraud implements the top-level scoring pipeline: it builds the
// analysis context, fans out to the detectors, aggregates the weighted score,
// decides, applies the decision side effects and updates the user's profile.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-fraud")

// Service is the fraud detection pipeline.
type Service struct {
	repo         domain.Repository
	bus          domain.EventBus
	engine       *rules.Engine
	behavior     *behavior.Service
	device       *device.Service
	orchestrator *anomaly.Orchestrator
	ml           *ml.Service
	cfg          *domain.ScoringConfig
}

// NewService creates the fraud detection pipeline.
func NewService(
	repo domain.Repository,
	bus domain.EventBus,
	engine *rules.Engine,
	behaviorSvc *behavior.Service,
	deviceSvc *device.Service,
	orchestrator *anomaly.Orchestrator,
	mlSvc *ml.Service,
	cfg *domain.ScoringConfig,
) *Service {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Service{
		repo:         repo,
		bus:          bus,
		engine:       engine,
		behavior:     behaviorSvc,
		device:       deviceSvc,
		orchestrator: orchestrator,
		ml:           mlSvc,
		cfg:          cfg,
	}
}

// Request carries one transaction for analysis together with the caller's
// snapshot of the surrounding entities.
type Request struct {
	Transaction *domain.Transaction `json:"transaction"`
	User        *domain.User        `json:"user,omitempty"`
	Account     *domain.Account     `json:"account,omitempty"`
	Device      *domain.DeviceData  `json:"device,omitempty"`

	Location         *domain.GeoPoint  `json:"location,omitempty"`
	Country          string            `json:"country,omitempty"`
	PreviousLocation *domain.GeoPoint  `json:"previousLocation,omitempty"`
	PreviousCountry  string            `json:"previousCountry,omitempty"`
	HistoryLocations []domain.GeoPoint `json:"historyLocations,omitempty"`
}

// systemErrorFactor marks scores finalized through the fail-open path.
const systemErrorFactor = "system_error"

// Fail-open terminal state.
const failOpenScore = 50.0

// AnalyzeTransaction scores one transaction end to end. A placeholder score
// row is created first so a record exists for every submitted transaction;
// any failure past that point fails open to a score-50 manual review instead
// of propagating. The returned error therefore only covers invalid input and
// the placeholder insert itself.
func (s *Service) AnalyzeTransaction(ctx context.Context, req *Request) (*domain.FraudScore, error) {
	if req == nil || req.Transaction == nil {
		return nil, fmt.Errorf("transaction is required")
	}
	tx := req.Transaction
	if tx.TenantID == "" || tx.ID == "" || tx.UserID == "" {
		return nil, fmt.Errorf("transaction tenantID, ID and userID are required")
	}

	ctx, span := tracer.Start(ctx, "fraud.AnalyzeTransaction",
		trace.WithAttributes(
			attribute.String("tenant.id", tx.TenantID),
			attribute.String("tx.id", tx.ID),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	score := domain.NewPlaceholderScore(
		uuid.New().String(), tx.TenantID, tx.ID, domain.EntityTransaction, tx.UserID, now)
	if err := s.repo.CreateFraudScore(ctx, tx.TenantID, score); err != nil {
		return nil, fmt.Errorf("create fraud score: %w", err)
	}

	tc, err := s.runPipeline(ctx, req, score)
	if err != nil {
		slog.Error("scoring pipeline failed, failing open to review",
			"tenantId", tx.TenantID, "txId", tx.ID, "scoreId", score.ID, "error", err)
		s.failOpen(ctx, score)
	}

	// Learning happens regardless of the decision, allow included.
	if tc != nil {
		if err := s.behavior.UpdateProfile(ctx, tc, score.Decision, score.RiskLevel); err != nil {
			slog.Warn("profile update failed",
				"tenantId", tx.TenantID, "userId", tx.UserID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Float64("score.total", score.TotalScore),
		attribute.String("score.decision", string(score.Decision)),
	)
	return score, nil
}

// runPipeline executes context build, detection, aggregation, finalization
// and side effects. A panic anywhere inside is converted into an error for
// the fail-open path.
func (s *Service) runPipeline(ctx context.Context, req *Request, score *domain.FraudScore) (tc *domain.TransactionContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	tc, err = s.buildContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	ruleRes := s.runRules(ctx, tc)
	behaviorRes := s.behavior.Analyze(tc)
	deviceRes := s.device.AnalyzeDevice(ctx, tc.TenantID, tc.Device)

	batch, err := s.orchestrator.DetectAnomalies(ctx, tc, score.ID)
	if err != nil {
		slog.Warn("anomaly detection failed", "txId", tc.TxID, "error", err)
		batch = &domain.AnomalyBatchResult{}
	}

	prediction := s.ml.Predict(tc, &ml.Inputs{
		RuleScore:       ruleRes.TotalScore,
		BlockingRules:   len(ruleRes.BlockingRules),
		BehavioralScore: behaviorRes.RiskScore,
		DeviceScore:     deviceRes.RiskScore,
		AnomalyScore:    batch.HighestScore,
		AnomalyCount:    len(batch.Anomalies),
	})

	total, breakdown := s.aggregate(ruleRes.TotalScore, behaviorRes.RiskScore, deviceRes.RiskScore, prediction)
	breakdown.Anomaly = domain.Round2(batch.HighestScore)

	decision := domain.DecisionForScore(total)
	factors := decisionFactors(ruleRes, behaviorRes, deviceRes, batch, prediction)
	if len(ruleRes.BlockingRules) > 0 {
		decision = domain.DecisionBlock
		factors = append([]string{"blocking_rule_triggered"}, factors...)
	}

	score.TotalScore = domain.Round2(total)
	score.RiskLevel = domain.RiskLevelForScore(score.TotalScore)
	score.Breakdown = breakdown
	score.Decision = decision
	score.DecisionFactors = factors
	if prediction.Enabled {
		p := prediction.FraudProbability
		score.MLScore = &p
	}
	score.Results = domain.AnalysisResults{
		TriggeredRules: ruleRes.TriggeredRules,
		BlockingRules:  ruleRes.BlockingRules,
		RiskFactors:    append(append([]string{}, behaviorRes.RiskFactors...), deviceRes.RiskFactors...),
		AnomalyTypes:   anomalyTypes(batch),
	}
	score.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateFraudScore(ctx, tc.TenantID, score); err != nil {
		return tc, fmt.Errorf("finalize fraud score: %w", err)
	}

	// The decision is durable at this point; side-effect failures are logged,
	// not allowed to overwrite the recorded result via the fail-open path.
	s.applyDecision(ctx, tc, score)
	return tc, nil
}

// buildContext assembles the full analysis context: device identity first so
// the persisted transaction row carries it, then profile, history and
// velocity counters.
func (s *Service) buildContext(ctx context.Context, req *Request) (*domain.TransactionContext, error) {
	tx := req.Transaction
	now := time.Now().UTC()

	var fp *domain.DeviceFingerprint
	if req.Device != nil {
		var err error
		fp, err = s.device.ProcessFingerprint(ctx, tx.TenantID, req.Device, tx.UserID)
		if err != nil {
			slog.Warn("device fingerprint processing failed",
				"txId", tx.ID, "error", err)
			fp = nil
		} else {
			tx.DeviceHash = fp.FingerprintHash
		}
		tx.IPAddress = req.Device.IPAddress
	}

	if tx.Status == "" {
		tx.Status = domain.TxStatusPending
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if err := s.repo.SaveTransaction(ctx, tx.TenantID, tx); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}

	profile, err := s.repo.GetOrCreateProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	recent, err := s.repo.RecentTransactions(ctx, tx.TenantID, tx.UserID, s.cfg.MaxHistorySize+1)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	dailyCount, err := s.repo.CountTransactionsInWindow(ctx, tx.TenantID, tx.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("daily count: %w", err)
	}
	hourlyCount, err := s.repo.CountTransactionsInWindow(ctx, tx.TenantID, tx.UserID, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("hourly count: %w", err)
	}
	dailyVolume, err := s.repo.SumAmountInWindow(ctx, tx.TenantID, tx.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("daily volume: %w", err)
	}

	tc := &domain.TransactionContext{
		TenantID:       tx.TenantID,
		TxID:           tx.ID,
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		TxType:         tx.Type,
		CounterpartyID: tx.CounterpartyID,
		Timestamp:      tx.Timestamp,

		DailyCount:  int(dailyCount),
		HourlyCount: int(hourlyCount),
		DailyVolume: dailyVolume,

		Location:         req.Location,
		Country:          req.Country,
		PreviousLocation: req.PreviousLocation,
		PreviousCountry:  req.PreviousCountry,
		HistoryLocations: req.HistoryLocations,

		Device:       req.Device,
		DeviceRecord: fp,
		Profile:      profile,
		User:         req.User,
	}
	if req.Account != nil {
		tc.AccountBalance = req.Account.Balance
	}

	// History excludes the transaction under analysis.
	for _, prev := range recent {
		if prev.ID == tx.ID {
			continue
		}
		if len(tc.HistoryAmounts) == 0 {
			gap := tx.Timestamp.Sub(prev.Timestamp)
			tc.SecondsSinceLastTx = gap.Seconds()
			tc.DaysSinceLastActivity = gap.Hours() / 24
			tc.PreviousTxType = prev.Type
		}
		tc.HistoryAmounts = append(tc.HistoryAmounts, prev.Amount)
		tc.HistoryTimestamps = append(tc.HistoryTimestamps, prev.Timestamp)
	}

	tc.Sanitize(s.cfg.MaxHistorySize)
	return tc, nil
}

// runRules evaluates the rule engine, absorbing failures into a zero result.
func (s *Service) runRules(ctx context.Context, tc *domain.TransactionContext) *domain.RuleEngineResult {
	res, err := s.engine.Evaluate(ctx, tc)
	if err != nil {
		slog.Warn("rule evaluation failed", "txId", tc.TxID, "error", err)
		return &domain.RuleEngineResult{}
	}
	return res
}

// aggregate computes the weighted total. When the ML prediction is absent its
// weight is redistributed by normalizing over the weights actually applied,
// never silently under-scoring.
func (s *Service) aggregate(ruleScore, behavioralScore, deviceScore float64, prediction *ml.Prediction) (float64, domain.ScoreBreakdown) {
	breakdown := domain.ScoreBreakdown{
		Rules:      domain.Round2(ruleScore),
		Behavioral: domain.Round2(behavioralScore),
		Device:     domain.Round2(deviceScore),
	}

	total := ruleScore*s.cfg.RuleWeight +
		behavioralScore*s.cfg.BehavioralWeight +
		deviceScore*s.cfg.DeviceWeight
	weight := s.cfg.RuleWeight + s.cfg.BehavioralWeight + s.cfg.DeviceWeight

	if prediction != nil && prediction.Enabled {
		mlScore := domain.Round2(prediction.Score)
		breakdown.ML = &mlScore
		total += prediction.Score * s.cfg.MLWeight
		weight += s.cfg.MLWeight
	}

	if weight > 0 {
		total /= weight
	}
	return domain.Clamp(total, 0, 100), breakdown
}

func decisionFactors(
	ruleRes *domain.RuleEngineResult,
	behaviorRes behavior.Result,
	deviceRes domain.DeviceAnalysis,
	batch *domain.AnomalyBatchResult,
	prediction *ml.Prediction,
) []string {
	var factors []string
	if len(ruleRes.TriggeredRules) > 0 {
		factors = append(factors, fmt.Sprintf("rules_triggered:%d", len(ruleRes.TriggeredRules)))
	}
	if behaviorRes.RiskScore >= 60 {
		factors = append(factors, "behavioral_risk")
	}
	if deviceRes.RiskScore >= 60 {
		factors = append(factors, "device_risk")
	}
	if batch.HasCritical {
		factors = append(factors, "critical_anomaly")
	}
	if prediction != nil && prediction.Enabled && prediction.FraudProbability >= 0.5 {
		factors = append(factors, "ml_high_probability")
	}
	return factors
}

func anomalyTypes(batch *domain.AnomalyBatchResult) []string {
	var types []string
	for _, a := range batch.Anomalies {
		types = append(types, a.AnomalyType)
	}
	return types
}

// applyDecision executes the side effects of a finalized decision. Failures
// here are logged; the recorded decision stands.
func (s *Service) applyDecision(ctx context.Context, tc *domain.TransactionContext, score *domain.FraudScore) {
	switch score.Decision {
	case domain.DecisionBlock:
		s.setTransactionStatus(ctx, tc, domain.TxStatusBlocked)
		s.publishFraudEvent(ctx, domain.TopicTransactionBlocked, score)
		s.publishFraudEvent(ctx, domain.TopicFraudDetected, score)
	case domain.DecisionReview:
		s.setTransactionStatus(ctx, tc, domain.TxStatusFlaggedForReview)
		s.publishFraudEvent(ctx, domain.TopicFraudDetected, score)
	case domain.DecisionChallenge:
		s.setTransactionStatus(ctx, tc, domain.TxStatusPendingChallenge)
		s.publishFraudEvent(ctx, domain.TopicChallengeRequired, score)
	case domain.DecisionAllow:
		// No side effects.
	}

	if score.RiskLevel == domain.RiskHigh || score.RiskLevel == domain.RiskCritical {
		s.openFraudCase(ctx, score)
	}
}

func (s *Service) setTransactionStatus(ctx context.Context, tc *domain.TransactionContext, status string) {
	if err := s.repo.UpdateTransactionStatus(ctx, tc.TenantID, tc.TxID, status); err != nil {
		slog.Error("transaction status update failed",
			"txId", tc.TxID, "status", status, "error", err)
	}
}

func (s *Service) publishFraudEvent(ctx context.Context, topic string, score *domain.FraudScore) {
	event := domain.FraudEvent{
		TenantID:     score.TenantID,
		FraudScoreID: score.ID,
		EntityID:     score.EntityID,
		EntityType:   score.EntityType,
		UserID:       score.UserID,
		Score:        score.TotalScore,
		RiskLevel:    score.RiskLevel,
		Decision:     score.Decision,
		Factors:      score.DecisionFactors,
		At:           score.UpdatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("fraud event marshal failed", "scoreId", score.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, score.TenantID, topic, payload); err != nil {
		slog.Warn("fraud event publish failed",
			"topic", topic, "scoreId", score.ID, "error", err)
	}
}

// openFraudCase creates the investigation record for high-risk scores,
// regardless of which decision branch was taken.
func (s *Service) openFraudCase(ctx context.Context, score *domain.FraudScore) {
	fraudCase := &domain.FraudCase{
		ID:           uuid.New().String(),
		TenantID:     score.TenantID,
		FraudScoreID: score.ID,
		EntityID:     score.EntityID,
		UserID:       score.UserID,
		Status:       domain.CaseStatusOpen,
		Priority:     score.RiskLevel,
		Reason:       fmt.Sprintf("score %.2f (%s)", score.TotalScore, score.RiskLevel),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateFraudCase(ctx, score.TenantID, fraudCase); err != nil {
		slog.Error("fraud case creation failed",
			"scoreId", score.ID, "error", err)
	}
}

// failOpen finalizes the placeholder as a manual-review record after a
// pipeline failure. The transaction is never left unscored.
func (s *Service) failOpen(ctx context.Context, score *domain.FraudScore) {
	score.TotalScore = failOpenScore
	score.RiskLevel = domain.RiskMedium
	score.Decision = domain.DecisionReview
	score.DecisionFactors = []string{systemErrorFactor}
	score.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateFraudScore(ctx, score.TenantID, score); err != nil {
		slog.Error("fail-open score update failed", "scoreId", score.ID, "error", err)
	}
}

// AnalyzeUser scores a user entity from their profile and history alone.
// Rule and device components do not apply without a live transaction; the
// remaining weights are normalized over what ran.
func (s *Service) AnalyzeUser(ctx context.Context, tenantID string, user *domain.User) (*domain.FraudScore, error) {
	if tenantID == "" || user == nil || user.ID == "" {
		return nil, fmt.Errorf("tenantID and user are required")
	}

	ctx, span := tracer.Start(ctx, "fraud.AnalyzeUser",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("user.id", user.ID),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	score := domain.NewPlaceholderScore(
		uuid.New().String(), tenantID, user.ID, domain.EntityUser, user.ID, now)
	if err := s.repo.CreateFraudScore(ctx, tenantID, score); err != nil {
		return nil, fmt.Errorf("create fraud score: %w", err)
	}

	if err := s.scoreUser(ctx, tenantID, user, score); err != nil {
		slog.Error("user scoring failed, failing open to review",
			"tenantId", tenantID, "userId", user.ID, "error", err)
		s.failOpen(ctx, score)
	}
	return score, nil
}

func (s *Service) scoreUser(ctx context.Context, tenantID string, user *domain.User, score *domain.FraudScore) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user scoring panic: %v", r)
		}
	}()

	profile, err := s.repo.GetOrCreateProfile(ctx, tenantID, user.ID)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	recent, err := s.repo.RecentTransactions(ctx, tenantID, user.ID, s.cfg.MaxHistorySize)
	if err != nil {
		return fmt.Errorf("recent transactions: %w", err)
	}

	tc := &domain.TransactionContext{
		TenantID: tenantID,
		UserID:   user.ID,
		Profile:  profile,
		User:     user,
	}
	if len(recent) > 0 {
		latest := recent[0]
		tc.TxID = latest.ID
		tc.Amount = latest.Amount
		tc.Currency = latest.Currency
		tc.TxType = latest.Type
		tc.Timestamp = latest.Timestamp
		for _, tx := range recent {
			tc.HistoryAmounts = append(tc.HistoryAmounts, tx.Amount)
			tc.HistoryTimestamps = append(tc.HistoryTimestamps, tx.Timestamp)
		}
	} else {
		tc.Timestamp = time.Now().UTC()
	}
	tc.Sanitize(s.cfg.MaxHistorySize)

	behaviorRes := s.behavior.Analyze(tc)
	prediction := s.ml.Predict(tc, &ml.Inputs{BehavioralScore: behaviorRes.RiskScore})

	total := behaviorRes.RiskScore * s.cfg.BehavioralWeight
	weight := s.cfg.BehavioralWeight
	breakdown := domain.ScoreBreakdown{Behavioral: domain.Round2(behaviorRes.RiskScore)}
	if prediction.Enabled {
		mlScore := domain.Round2(prediction.Score)
		breakdown.ML = &mlScore
		total += prediction.Score * s.cfg.MLWeight
		weight += s.cfg.MLWeight
	}
	if weight > 0 {
		total /= weight
	}

	score.TotalScore = domain.Round2(domain.Clamp(total, 0, 100))
	score.RiskLevel = domain.RiskLevelForScore(score.TotalScore)
	score.Breakdown = breakdown
	score.Decision = domain.DecisionForScore(score.TotalScore)
	score.DecisionFactors = behaviorRes.RiskFactors
	if prediction.Enabled {
		p := prediction.FraudProbability
		score.MLScore = &p
	}
	score.Results = domain.AnalysisResults{RiskFactors: behaviorRes.RiskFactors}
	score.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateFraudScore(ctx, tenantID, score); err != nil {
		return fmt.Errorf("finalize fraud score: %w", err)
	}
	if score.RiskLevel == domain.RiskHigh || score.RiskLevel == domain.RiskCritical {
		s.openFraudCase(ctx, score)
	}
	return nil
}

// RecalculateScore re-runs the rule, behavioral and ML components of an
// existing transaction score against the current configuration and rule set,
// updating the same row. The device component is carried over from the
// original run since the device identity has not changed, and no decision
// side effects are re-applied.
func (s *Service) RecalculateScore(ctx context.Context, tenantID, scoreID string) (*domain.FraudScore, error) {
	if tenantID == "" || scoreID == "" {
		return nil, fmt.Errorf("tenantID and scoreID are required")
	}

	score, err := s.repo.GetFraudScore(ctx, tenantID, scoreID)
	if err != nil {
		return nil, fmt.Errorf("get fraud score: %w", err)
	}
	if score.EntityType != domain.EntityTransaction {
		return nil, fmt.Errorf("recalculation supports transaction scores only, got %q", score.EntityType)
	}

	tx, err := s.repo.GetTransaction(ctx, tenantID, score.EntityID)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	tc, err := s.rebuildContext(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("rebuild context: %w", err)
	}

	ruleRes := s.runRules(ctx, tc)
	behaviorRes := s.behavior.Analyze(tc)
	deviceScore := score.Breakdown.Device

	prediction := s.ml.Predict(tc, &ml.Inputs{
		RuleScore:       ruleRes.TotalScore,
		BlockingRules:   len(ruleRes.BlockingRules),
		BehavioralScore: behaviorRes.RiskScore,
		DeviceScore:     deviceScore,
	})

	total, breakdown := s.aggregate(ruleRes.TotalScore, behaviorRes.RiskScore, deviceScore, prediction)

	decision := domain.DecisionForScore(total)
	if len(ruleRes.BlockingRules) > 0 {
		decision = domain.DecisionBlock
	}

	score.TotalScore = domain.Round2(total)
	score.RiskLevel = domain.RiskLevelForScore(score.TotalScore)
	score.Breakdown = breakdown
	score.Decision = decision
	score.DecisionFactors = append(
		decisionFactors(ruleRes, behaviorRes, domain.DeviceAnalysis{RiskScore: deviceScore}, &domain.AnomalyBatchResult{}, prediction),
		"recalculated")
	if prediction.Enabled {
		p := prediction.FraudProbability
		score.MLScore = &p
	}
	score.Results = domain.AnalysisResults{
		TriggeredRules: ruleRes.TriggeredRules,
		BlockingRules:  ruleRes.BlockingRules,
		RiskFactors:    behaviorRes.RiskFactors,
	}
	score.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateFraudScore(ctx, tenantID, score); err != nil {
		return nil, fmt.Errorf("finalize fraud score: %w", err)
	}
	return score, nil
}

// rebuildContext reconstructs an analysis context from a stored transaction.
// Raw device data is gone; the stored fingerprint record stands in.
func (s *Service) rebuildContext(ctx context.Context, tx *domain.Transaction) (*domain.TransactionContext, error) {
	profile, err := s.repo.GetOrCreateProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	recent, err := s.repo.RecentTransactions(ctx, tx.TenantID, tx.UserID, s.cfg.MaxHistorySize+1)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	tc := &domain.TransactionContext{
		TenantID:       tx.TenantID,
		TxID:           tx.ID,
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		TxType:         tx.Type,
		CounterpartyID: tx.CounterpartyID,
		Timestamp:      tx.Timestamp,
		Profile:        profile,
	}
	if tx.DeviceHash != "" {
		fp, err := s.repo.FindDeviceByHash(ctx, tx.TenantID, tx.DeviceHash)
		if err != nil {
			slog.Warn("device lookup failed during recalculation",
				"txId", tx.ID, "error", err)
		}
		tc.DeviceRecord = fp
	}

	for _, prev := range recent {
		if prev.ID == tx.ID || prev.Timestamp.After(tx.Timestamp) {
			continue
		}
		if len(tc.HistoryAmounts) == 0 {
			gap := tx.Timestamp.Sub(prev.Timestamp)
			tc.SecondsSinceLastTx = gap.Seconds()
			tc.DaysSinceLastActivity = gap.Hours() / 24
			tc.PreviousTxType = prev.Type
		}
		tc.HistoryAmounts = append(tc.HistoryAmounts, prev.Amount)
		tc.HistoryTimestamps = append(tc.HistoryTimestamps, prev.Timestamp)
	}

	tc.Sanitize(s.cfg.MaxHistorySize)
	return tc, nil
}

// Indicator score contributions for the lightweight check.
const (
	indicatorUnusualAmount  = 25.0
	indicatorNewMaxAmount   = 15.0
	indicatorHighRiskGeo    = 25.0
	indicatorVelocity       = 30.0
	indicatorDormant        = 20.0
	indicatorNewUser        = 10.0
	unusualAmountMultiplier = 3.0
	dormantIndicatorGap     = 90 * 24 * time.Hour
)

// GetFraudIndicators runs the cheap heuristic checks for a transaction
// without invoking the full pipeline. No persistence, no events.
func (s *Service) GetFraudIndicators(ctx context.Context, tx *domain.Transaction) (*domain.IndicatorSet, error) {
	if tx == nil || tx.TenantID == "" || tx.UserID == "" {
		return nil, fmt.Errorf("transaction with tenantID and userID is required")
	}

	set := &domain.IndicatorSet{TxID: tx.ID}
	var score float64

	profile, err := s.repo.GetOrCreateProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if !profile.IsEstablished {
		set.Indicators = append(set.Indicators, "new_user")
		score += indicatorNewUser
	} else {
		if profile.AvgTransactionAmount > 0 && tx.Amount > unusualAmountMultiplier*profile.AvgTransactionAmount {
			set.Indicators = append(set.Indicators, "unusual_amount")
			score += indicatorUnusualAmount
		}
		if tx.Amount > profile.MaxTransactionAmount {
			set.Indicators = append(set.Indicators, "new_max_amount")
			score += indicatorNewMaxAmount
		}
		if !profile.LastTransactionAt.IsZero() && time.Since(profile.LastTransactionAt) > dormantIndicatorGap {
			set.Indicators = append(set.Indicators, "dormant_account")
			score += indicatorDormant
		}
	}

	if w, ok := s.cfg.VelocityWindows["1h"]; ok && w.MaxCount > 0 {
		count, err := s.repo.CountTransactionsInWindow(ctx, tx.TenantID, tx.UserID, time.Now().Add(-time.Hour))
		if err != nil {
			slog.Warn("velocity count failed", "txId", tx.ID, "error", err)
		} else if count > int64(w.MaxCount) {
			set.Indicators = append(set.Indicators, "velocity_exceeded")
			score += indicatorVelocity
		}
	}

	if country, ok := tx.Metadata["country"].(string); ok {
		for _, c := range s.cfg.HighRiskCountries {
			if c == country {
				set.Indicators = append(set.Indicators, "high_risk_country")
				score += indicatorHighRiskGeo
				break
			}
		}
	}

	set.Score = domain.Round2(domain.Clamp(score, 0, 100))
	set.RiskLevel = domain.RiskLevelForScore(set.Score)
	return set, nil
}
