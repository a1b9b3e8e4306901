// Package anomaly coordinates the independent anomaly detectors and turns
// their findings into persisted, published detections.
package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Orchestrator fans a transaction context out to the statistical, behavioral,
// velocity and geolocation detectors. Detector failures are absorbed: one
// panicking or erroring detector never takes down the pass.
type Orchestrator struct {
	repo     domain.Repository
	bus      domain.EventBus
	stats    *stats.Service
	behavior *behavior.Service
	velocity *rules.VelocityService
	geo      *geo.Service
	device   *device.Service
	cfg      *domain.ScoringConfig
}

// NewOrchestrator creates an anomaly detection orchestrator.
func NewOrchestrator(
	repo domain.Repository,
	bus domain.EventBus,
	statsSvc *stats.Service,
	behaviorSvc *behavior.Service,
	velocitySvc *rules.VelocityService,
	geoSvc *geo.Service,
	deviceSvc *device.Service,
	cfg *domain.ScoringConfig,
) *Orchestrator {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return &Orchestrator{
		repo:     repo,
		bus:      bus,
		stats:    statsSvc,
		behavior: behaviorSvc,
		velocity: velocitySvc,
		geo:      geoSvc,
		device:   deviceSvc,
		cfg:      cfg,
	}
}

// candidate is one detector finding before persistence.
type candidate struct {
	anomalyType string
	method      string
	score       float64
	confidence  float64
	details     map[string]float64
	reason      string
}

// Detector score shaping.
const (
	impossibleTravelScore = 85.0
	breachContribution    = 25.0
	behavioralScoreCap    = 80.0
	windowRatioWeight     = 40.0
	burstRatioWeight      = 30.0
	velocityScoreCap      = 80.0
	geoClusterScoreCap    = 80.0
)

// DetectAnomalies runs every detector against the context, persists findings
// at or above the persistence threshold and publishes an event for each.
// fraudScoreID links persisted detections to the scoring run that produced
// them; empty means a standalone pass. When anomaly detection is disabled the
// pass is a no-op with no side effects.
func (o *Orchestrator) DetectAnomalies(ctx context.Context, tc *domain.TransactionContext, fraudScoreID string) (*domain.AnomalyBatchResult, error) {
	result := &domain.AnomalyBatchResult{}
	if !o.cfg.AnomalyDetectionEnabled {
		return result, nil
	}

	tc.Sanitize(o.cfg.MaxHistorySize)

	detectors := []struct {
		name string
		run  func(context.Context, *domain.TransactionContext) *candidate
	}{
		{domain.AnomalyStatistical, o.detectStatistical},
		{domain.AnomalyBehavioral, o.detectBehavioral},
		{domain.AnomalyVelocity, o.detectVelocity},
		{domain.AnomalyGeolocation, o.detectGeolocation},
	}

	for _, d := range detectors {
		cand := o.runDetector(ctx, d.name, d.run, tc)
		if cand == nil || cand.score <= 0 {
			continue
		}

		detection := o.buildDetection(tc, d.name, cand)
		detection.FraudScoreID = fraudScoreID
		result.Anomalies = append(result.Anomalies, *detection)
		if detection.Score > result.HighestScore {
			result.HighestScore = detection.Score
		}
		if detection.Severity == domain.SeverityCritical {
			result.HasCritical = true
		}

		if detection.Score >= o.cfg.AnomalyPersistThreshold {
			o.persistAndPublish(ctx, tc.TenantID, detection)
		}
	}

	return result, nil
}

// runDetector isolates one detector: a panic is logged and treated as no
// finding.
func (o *Orchestrator) runDetector(ctx context.Context, name string, fn func(context.Context, *domain.TransactionContext) *candidate, tc *domain.TransactionContext) (cand *candidate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("anomaly detector panicked",
				"detector", name, "txId", tc.TxID, "panic", fmt.Sprint(r))
			cand = nil
		}
	}()
	return fn(ctx, tc)
}

// detectStatistical surfaces the highest-scoring statistical test.
func (o *Orchestrator) detectStatistical(_ context.Context, tc *domain.TransactionContext) *candidate {
	best := o.stats.Analyze(tc).Best()
	if best.Score <= 0 {
		return nil
	}
	return &candidate{
		method:  best.Method,
		score:   best.Score,
		details: best.Details,
		reason:  best.Reason,
	}
}

// detectBehavioral scores adaptive threshold breaches against behavioral
// drift and keeps the stronger signal.
func (o *Orchestrator) detectBehavioral(_ context.Context, tc *domain.TransactionContext) *candidate {
	p := tc.Profile
	if p == nil {
		return nil
	}

	breaches := o.behavior.ThresholdBreaches(p, tc)
	breachScore := math.Min(behavioralScoreCap, float64(len(breaches))*breachContribution)

	drift := o.behavior.DetectDrift(p, historyTransactions(tc))
	driftScore := drift.DriftScore * 100

	if breachScore <= 0 && driftScore <= 0 {
		return nil
	}

	cand := &candidate{details: map[string]float64{
		"breach_count": float64(len(breaches)),
		"drift_score":  drift.DriftScore,
	}}
	if driftScore > breachScore {
		cand.method = "behavioral_drift"
		cand.score = driftScore
		cand.reason = "behavior drifted from the long-run baseline"
	} else {
		cand.method = "threshold_breach"
		cand.score = breachScore
		cand.reason = fmt.Sprintf("breached %d adaptive thresholds", len(breaches))
	}
	cand.score = domain.Round2(cand.score)
	return cand
}

// detectVelocity scores sliding-window overruns against burst detection and
// keeps the stronger signal.
func (o *Orchestrator) detectVelocity(ctx context.Context, tc *domain.TransactionContext) *candidate {
	var worstRatio float64
	var worstLabel string

	windows, err := o.velocity.EvaluateSlidingWindows(ctx, tc)
	if err != nil {
		slog.Warn("velocity window evaluation failed", "txId", tc.TxID, "error", err)
	}
	for _, w := range windows {
		if w.Exceeded && w.ExceedRatio > worstRatio {
			worstRatio = w.ExceedRatio
			worstLabel = w.Label
		}
	}
	windowScore := math.Min(velocityScoreCap, worstRatio*windowRatioWeight)

	burst := o.velocity.DetectBurst(tc)
	var burstScore float64
	if burst.Detected {
		burstScore = math.Min(velocityScoreCap, burst.BurstRatio*burstRatioWeight)
	}

	if windowScore <= 0 && burstScore <= 0 {
		return nil
	}

	cand := &candidate{details: map[string]float64{
		"worst_window_ratio": worstRatio,
		"burst_ratio":        burst.BurstRatio,
	}}
	if burstScore > windowScore {
		cand.method = "burst"
		cand.score = burstScore
		cand.reason = fmt.Sprintf("hourly rate %.1fx above the user baseline", burst.BurstRatio)
	} else {
		cand.method = "sliding_window"
		cand.score = windowScore
		cand.reason = fmt.Sprintf("exceeded the %s velocity window", worstLabel)
	}
	cand.score = domain.Round2(cand.score)
	return cand
}

// detectGeolocation checks impossible travel first, then IP reputation, then
// distance from the user's established location clusters, keeping the worst.
func (o *Orchestrator) detectGeolocation(ctx context.Context, tc *domain.TransactionContext) *candidate {
	var cand *candidate

	if tc.Location != nil && tc.PreviousLocation != nil {
		travel := o.geo.IsImpossibleTravel(
			tc.PreviousLocation.Lat, tc.PreviousLocation.Lon,
			tc.Location.Lat, tc.Location.Lon,
			tc.SecondsSinceLastTx,
		)
		if travel.Impossible {
			cand = &candidate{
				method: "impossible_travel",
				score:  impossibleTravelScore,
				details: map[string]float64{
					"distance_km":        domain.Round2(travel.DistanceKm),
					"required_speed_kmh": roundFinite(travel.RequiredSpeedKmh),
				},
				reason: fmt.Sprintf("%.0fkm traveled faster than %.0fkm/h allows",
					travel.DistanceKm, travel.MaxSpeedKmh),
			}
		}
	}

	if ip := contextIP(tc); ip != "" {
		assessment := o.device.AssessIPReputation(ctx, tc.TenantID, ip)
		if assessment.RiskScore > 0 && (cand == nil || assessment.RiskScore > cand.score) {
			cand = &candidate{
				method:  "ip_reputation",
				score:   assessment.RiskScore,
				details: assessment.Details,
				reason:  fmt.Sprintf("ip flagged: %v", assessment.Flags),
			}
		}
	}

	if tc.Location != nil && len(tc.HistoryLocations) > 0 {
		clusters := o.geo.ClusterLocations(tc.HistoryLocations)
		if clusters.ClusterCount > 0 {
			nearest := o.geo.DistanceToNearestCluster(tc.Location.Lat, tc.Location.Lon, clusters.Clusters)
			if nearest.DistanceKm > o.cfg.MaxClusterDistanceKm {
				// Scale up to the cap: double the allowed distance maxes out.
				excess := nearest.DistanceKm/o.cfg.MaxClusterDistanceKm - 1
				score := domain.Round2(math.Min(geoClusterScoreCap, excess*geoClusterScoreCap))
				if cand == nil || score > cand.score {
					cand = &candidate{
						method: "cluster_distance",
						score:  score,
						details: map[string]float64{
							"distance_km":   domain.Round2(nearest.DistanceKm),
							"cluster_count": float64(clusters.ClusterCount),
						},
						reason: fmt.Sprintf("%.0fkm from the nearest usual location", nearest.DistanceKm),
					}
				}
			}
		}
	}

	return cand
}

// buildDetection assembles the persisted record for a finding, with the
// hashed-IP feature snapshot and a generated explanation.
func (o *Orchestrator) buildDetection(tc *domain.TransactionContext, anomalyType string, cand *candidate) *domain.AnomalyDetection {
	extra := make(map[string]interface{}, len(cand.details))
	for k, v := range cand.details {
		extra[k] = v
	}

	return &domain.AnomalyDetection{
		ID:              uuid.New().String(),
		TenantID:        tc.TenantID,
		EntityID:        tc.TxID,
		EntityType:      "transaction",
		UserID:          tc.UserID,
		AnomalyType:     anomalyType,
		DetectionMethod: cand.method,
		Score:           cand.score,
		Confidence:      o.calculateConfidence(cand),
		Severity:        domain.SeverityForScore(cand.score),
		Features: domain.AnomalyFeatures{
			Amount:      tc.Amount,
			DailyCount:  tc.DailyCount,
			HourlyCount: tc.HourlyCount,
			Country:     tc.Country,
			IPHash:      hashIP(contextIP(tc)),
			Extra:       extra,
		},
		Explanation: o.explain(tc, anomalyType, cand),
		CreatedAt:   time.Now().UTC(),
	}
}

// calculateConfidence maps the score into confidence tiers with a small bonus
// for findings backed by several detail groups.
func (o *Orchestrator) calculateConfidence(cand *candidate) float64 {
	var conf float64
	switch {
	case cand.score >= 80:
		conf = 0.95
	case cand.score >= 60:
		conf = 0.85
	case cand.score >= 40:
		conf = 0.70
	default:
		conf = 0.50
	}
	if len(cand.details) >= 3 {
		conf += 0.05
	}
	return domain.Round4(math.Min(1, conf))
}

func (o *Orchestrator) explain(tc *domain.TransactionContext, anomalyType string, cand *candidate) string {
	base := fmt.Sprintf("%s anomaly (%s) scored %.0f for transaction %s",
		anomalyType, cand.method, cand.score, tc.TxID)
	if cand.reason != "" {
		return base + ": " + cand.reason
	}
	return base
}

// persistAndPublish saves the detection and emits the event. Either failing
// is logged but never fails the detection pass.
func (o *Orchestrator) persistAndPublish(ctx context.Context, tenantID string, detection *domain.AnomalyDetection) {
	if err := o.repo.SaveAnomaly(ctx, tenantID, detection); err != nil {
		slog.Error("anomaly persistence failed",
			"anomalyId", detection.ID, "entityId", detection.EntityID, "error", err)
		return
	}

	event := domain.AnomalyEvent{
		TenantID:    tenantID,
		AnomalyID:   detection.ID,
		EntityID:    detection.EntityID,
		UserID:      detection.UserID,
		AnomalyType: detection.AnomalyType,
		Score:       detection.Score,
		Severity:    detection.Severity,
		At:          detection.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("anomaly event marshal failed", "anomalyId", detection.ID, "error", err)
		return
	}
	if err := o.bus.Publish(ctx, tenantID, domain.TopicAnomalyDetected, payload); err != nil {
		slog.Warn("anomaly event publish failed", "anomalyId", detection.ID, "error", err)
	}
}

// historyTransactions rebuilds the minimal transaction slice the drift
// detector needs from the context's history snapshot.
func historyTransactions(tc *domain.TransactionContext) []*domain.Transaction {
	n := len(tc.HistoryAmounts)
	if len(tc.HistoryTimestamps) < n {
		n = len(tc.HistoryTimestamps)
	}
	recent := make([]*domain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		recent = append(recent, &domain.Transaction{
			Amount:    tc.HistoryAmounts[i],
			Timestamp: tc.HistoryTimestamps[i],
		})
	}
	return recent
}

func contextIP(tc *domain.TransactionContext) string {
	if tc.Device != nil {
		return tc.Device.IPAddress
	}
	return ""
}

// hashIP stores IPs only as truncated digests. Raw addresses never land in
// the anomaly record.
func hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

func roundFinite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return -1
	}
	return domain.Round2(v)
}
