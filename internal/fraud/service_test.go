package fraud

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

const testTenant = "tenant-001"

func newTestService(t *testing.T, cfg *domain.ScoringConfig) (*Service, domain.Repository, *bus.ChannelBus) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "fraud-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}
	return newServiceWith(t, repo, cfg)
}

func newServiceWith(t *testing.T, repo domain.Repository, cfg *domain.ScoringConfig) (*Service, domain.Repository, *bus.ChannelBus) {
	t.Helper()

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	velocity := rules.NewVelocityService(repo, lruCache, cfg)
	geoSvc := geo.NewService(cfg)
	deviceSvc := device.NewService(repo, lruCache, nil, cfg)
	behaviorSvc := behavior.NewService(repo, cfg)
	statsSvc := stats.NewService(cfg)

	engine, err := rules.NewEngine(repo, lruCache, geoSvc, velocity, cfg)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	orch := anomaly.NewOrchestrator(repo, channelBus, statsSvc, behaviorSvc, velocity, geoSvc, deviceSvc, cfg)

	svc := NewService(repo, channelBus, engine, behaviorSvc, deviceSvc, orch, ml.NewService(cfg), cfg)
	return svc, repo, channelBus
}

func seedHistory(t *testing.T, repo domain.Repository, userID string, count int, amount float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("hist-%s-%d", userID, i),
			TenantID:  testTenant,
			UserID:    userID,
			AccountID: "acct-1",
			Type:      "payment",
			Amount:    amount,
			Currency:  "USD",
			Status:    domain.TxStatusCompleted,
			Timestamp: now.Add(-time.Duration(i+1) * 24 * time.Hour),
			CreatedAt: now.Add(-time.Duration(i+1) * 24 * time.Hour),
		}
		if err := repo.SaveTransaction(ctx, testTenant, tx); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
	}
}

func seedEstablishedProfile(t *testing.T, repo domain.Repository, userID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	profile, err := repo.GetOrCreateProfile(ctx, testTenant, userID)
	if err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	profile.AvgTransactionAmount = 100
	profile.AmountStdDev = 20
	profile.MaxTransactionAmount = 300
	profile.AvgDailyCount = 4
	profile.TotalTransactionCount = 200
	profile.IsEstablished = true
	profile.FirstTransactionAt = now.Add(-180 * 24 * time.Hour)
	profile.LastTransactionAt = now.Add(-24 * time.Hour)
	if err := repo.SaveProfile(ctx, testTenant, profile); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
}

func paymentRequest(txID, userID string, amount float64) *Request {
	now := time.Now().UTC()
	return &Request{
		Transaction: &domain.Transaction{
			ID:        txID,
			TenantID:  testTenant,
			UserID:    userID,
			AccountID: "acct-1",
			Type:      "payment",
			Amount:    amount,
			Currency:  "USD",
			Timestamp: now,
		},
		Account: &domain.Account{ID: "acct-1", UserID: userID, Balance: 50000, Currency: "USD"},
	}
}

func TestAnalyzeTransactionValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"nil transaction", &Request{}},
		{"missing tenant", &Request{Transaction: &domain.Transaction{ID: "tx-1", UserID: "user-1"}}},
		{"missing user", &Request{Transaction: &domain.Transaction{ID: "tx-1", TenantID: testTenant}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AnalyzeTransaction(ctx, tc.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAnalyzeTransactionAllow(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	seedEstablishedProfile(t, repo, "user-1")
	seedHistory(t, repo, "user-1", 20, 100)

	score, err := svc.AnalyzeTransaction(ctx, paymentRequest("tx-allow", "user-1", 105))
	if err != nil {
		t.Fatalf("AnalyzeTransaction failed: %v", err)
	}
	if score.Decision != domain.DecisionAllow {
		t.Fatalf("expected allow for a baseline transaction, got %s (score %.2f, factors %v)",
			score.Decision, score.TotalScore, score.DecisionFactors)
	}
	if score.EntityType != domain.EntityTransaction || score.EntityID != "tx-allow" {
		t.Fatalf("unexpected entity binding: %s/%s", score.EntityType, score.EntityID)
	}

	stored, err := repo.GetFraudScore(ctx, testTenant, score.ID)
	if err != nil {
		t.Fatalf("GetFraudScore failed: %v", err)
	}
	if stored.TotalScore != score.TotalScore || stored.Decision != score.Decision {
		t.Fatalf("persisted score diverges: %+v vs %+v", stored, score)
	}

	// Allow has no side effects: the transaction stays in its submitted state.
	tx, err := repo.GetTransaction(ctx, testTenant, "tx-allow")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Status != domain.TxStatusPending {
		t.Fatalf("allow decision changed transaction status to %s", tx.Status)
	}

	// The profile learned from the transaction.
	profile, err := repo.GetOrCreateProfile(ctx, testTenant, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateProfile failed: %v", err)
	}
	if profile.TotalTransactionCount != 201 {
		t.Fatalf("expected profile count 201 after learning, got %d", profile.TotalTransactionCount)
	}
}

func TestAnalyzeTransactionBlockingRule(t *testing.T) {
	svc, repo, channelBus := newTestService(t, nil)
	ctx := context.Background()

	seedEstablishedProfile(t, repo, "user-2")

	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:        "rule-hard-limit",
		TenantID:  testTenant,
		Code:      "AMT_HARD_LIMIT",
		Name:      "Hard amount limit",
		Category:  domain.CategoryAmount,
		Severity:  10,
		BaseScore: 95,
		Thresholds: domain.RuleThresholds{
			MaxAmount: 1000,
		},
		IsBlocking: true,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.SaveRule(ctx, testTenant, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	var received []*domain.Message
	sub, err := channelBus.Subscribe(ctx, testTenant, domain.TopicTransactionBlocked,
		func(_ context.Context, msg *domain.Message) error {
			received = append(received, msg)
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	score, err := svc.AnalyzeTransaction(ctx, paymentRequest("tx-block", "user-2", 25000))
	if err != nil {
		t.Fatalf("AnalyzeTransaction failed: %v", err)
	}
	if score.Decision != domain.DecisionBlock {
		t.Fatalf("blocking rule did not force block: %s (factors %v)", score.Decision, score.DecisionFactors)
	}
	if len(score.DecisionFactors) == 0 || score.DecisionFactors[0] != "blocking_rule_triggered" {
		t.Fatalf("expected blocking_rule_triggered factor first, got %v", score.DecisionFactors)
	}
	if len(score.Results.BlockingRules) == 0 {
		t.Fatal("blocking rule missing from results")
	}

	tx, err := repo.GetTransaction(ctx, testTenant, "tx-block")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Status != domain.TxStatusBlocked {
		t.Fatalf("expected blocked status, got %s", tx.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(received) == 0 {
		t.Fatal("no TransactionBlocked event received")
	}
}

func TestHighRiskOpensFraudCase(t *testing.T) {
	cfg := domain.DefaultScoringConfig()
	cfg.RuleWeight = 1.0
	cfg.BehavioralWeight = 0
	cfg.DeviceWeight = 0
	cfg.MLWeight = 0
	cfg.MLEnabled = false
	svc, repo, _ := newTestService(t, cfg)
	ctx := context.Background()

	seedEstablishedProfile(t, repo, "user-3")

	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:         "rule-high",
		TenantID:   testTenant,
		Code:       "AMT_HIGH",
		Name:       "High amount",
		Category:   domain.CategoryAmount,
		Severity:   9,
		BaseScore:  100,
		Thresholds: domain.RuleThresholds{MaxAmount: 500},
		IsBlocking: true,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.SaveRule(ctx, testTenant, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	score, err := svc.AnalyzeTransaction(ctx, paymentRequest("tx-case", "user-3", 100000))
	if err != nil {
		t.Fatalf("AnalyzeTransaction failed: %v", err)
	}
	if score.RiskLevel != domain.RiskHigh && score.RiskLevel != domain.RiskCritical {
		t.Fatalf("expected high/critical risk, got %s (score %.2f)", score.RiskLevel, score.TotalScore)
	}

	cases, err := repo.ListOpenFraudCases(ctx, testTenant, 10)
	if err != nil {
		t.Fatalf("ListOpenFraudCases failed: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("expected exactly one open fraud case, got %d", len(cases))
	}
	if cases[0].FraudScoreID != score.ID || cases[0].Status != domain.CaseStatusOpen {
		t.Fatalf("fraud case not linked to score: %+v", cases[0])
	}
}

// failingRepo wraps a real repository and fails transaction persistence,
// forcing the pipeline down the fail-open path after the placeholder exists.
type failingRepo struct {
	domain.Repository
}

func (f *failingRepo) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	return fmt.Errorf("storage unavailable")
}

func TestAnalyzeTransactionFailsOpen(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "fraud-failopen-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	inner, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { inner.Close() })

	svc, _, _ := newServiceWith(t, &failingRepo{Repository: inner}, domain.DefaultScoringConfig())
	ctx := context.Background()

	score, err := svc.AnalyzeTransaction(ctx, paymentRequest("tx-fail", "user-4", 100))
	if err != nil {
		t.Fatalf("fail-open path must not return an error, got: %v", err)
	}
	if score.TotalScore != 50 || score.RiskLevel != domain.RiskMedium || score.Decision != domain.DecisionReview {
		t.Fatalf("unexpected fail-open terminal state: score=%.2f risk=%s decision=%s",
			score.TotalScore, score.RiskLevel, score.Decision)
	}
	if len(score.DecisionFactors) != 1 || score.DecisionFactors[0] != systemErrorFactor {
		t.Fatalf("expected lone system_error factor, got %v", score.DecisionFactors)
	}

	// The fail-open result is durable on the underlying store.
	stored, err := inner.GetFraudScore(ctx, testTenant, score.ID)
	if err != nil {
		t.Fatalf("GetFraudScore failed: %v", err)
	}
	if stored.TotalScore != 50 || stored.Decision != domain.DecisionReview {
		t.Fatalf("fail-open state not persisted: %+v", stored)
	}
}

func TestAggregateRedistributesAbsentML(t *testing.T) {
	cfg := domain.DefaultScoringConfig()
	cfg.MLEnabled = false
	svc, _, _ := newTestService(t, cfg)

	disabled := &ml.Prediction{Enabled: false}
	total, breakdown := svc.aggregate(80, 40, 20, disabled)

	// (80·0.35 + 40·0.25 + 20·0.20) / (1 − 0.20)
	want := (80*0.35 + 40*0.25 + 20*0.20) / 0.80
	if diff := total - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %.4f, got %.4f", want, total)
	}
	if breakdown.ML != nil {
		t.Fatalf("absent ML must not appear in the breakdown: %+v", breakdown)
	}

	enabled := &ml.Prediction{Enabled: true, FraudProbability: 0.9, Score: 90}
	total, breakdown = svc.aggregate(80, 40, 20, enabled)
	want = 80*0.35 + 40*0.25 + 20*0.20 + 90*0.20
	if diff := total - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %.4f with ML, got %.4f", want, total)
	}
	if breakdown.ML == nil || *breakdown.ML != 90 {
		t.Fatalf("ML component missing from breakdown: %+v", breakdown)
	}
}

func TestAnalyzeUser(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	user := &domain.User{ID: "user-5", TenantID: testTenant, KYCLevel: "basic", CreatedAt: time.Now().UTC()}

	score, err := svc.AnalyzeUser(ctx, testTenant, user)
	if err != nil {
		t.Fatalf("AnalyzeUser failed: %v", err)
	}
	if score.EntityType != domain.EntityUser || score.EntityID != "user-5" {
		t.Fatalf("unexpected entity binding: %s/%s", score.EntityType, score.EntityID)
	}
	if score.Breakdown.Rules != 0 || score.Breakdown.Device != 0 {
		t.Fatalf("user analysis must not carry rule/device components: %+v", score.Breakdown)
	}
	if score.Breakdown.Behavioral == 0 {
		t.Fatal("expected a behavioral component for an unestablished user")
	}

	stored, err := repo.GetFraudScore(ctx, testTenant, score.ID)
	if err != nil {
		t.Fatalf("GetFraudScore failed: %v", err)
	}
	if stored.TotalScore != score.TotalScore {
		t.Fatalf("persisted user score diverges: %.2f vs %.2f", stored.TotalScore, score.TotalScore)
	}

	if _, err := svc.AnalyzeUser(ctx, "", user); err == nil {
		t.Fatal("expected validation error for missing tenant")
	}
	if _, err := svc.AnalyzeUser(ctx, testTenant, nil); err == nil {
		t.Fatal("expected validation error for nil user")
	}
}

func TestRecalculateScore(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	seedEstablishedProfile(t, repo, "user-6")
	seedHistory(t, repo, "user-6", 20, 100)

	original, err := svc.AnalyzeTransaction(ctx, paymentRequest("tx-recalc", "user-6", 110))
	if err != nil {
		t.Fatalf("AnalyzeTransaction failed: %v", err)
	}

	recalced, err := svc.RecalculateScore(ctx, testTenant, original.ID)
	if err != nil {
		t.Fatalf("RecalculateScore failed: %v", err)
	}
	if recalced.ID != original.ID {
		t.Fatalf("recalculation must update the same row: %s vs %s", recalced.ID, original.ID)
	}
	found := false
	for _, f := range recalced.DecisionFactors {
		if f == "recalculated" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recalculated factor, got %v", recalced.DecisionFactors)
	}

	// A rule added after the original run changes the recalculated outcome.
	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:         "rule-retro",
		TenantID:   testTenant,
		Code:       "AMT_RETRO",
		Name:       "Retroactive limit",
		Category:   domain.CategoryAmount,
		Severity:   8,
		BaseScore:  100,
		Thresholds: domain.RuleThresholds{MaxAmount: 50},
		IsBlocking: true,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.SaveRule(ctx, testTenant, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	svc.engine.InvalidateRules(ctx, testTenant)

	blocked, err := svc.RecalculateScore(ctx, testTenant, original.ID)
	if err != nil {
		t.Fatalf("RecalculateScore failed: %v", err)
	}
	if blocked.Decision != domain.DecisionBlock {
		t.Fatalf("new blocking rule not reflected in recalculation: %s", blocked.Decision)
	}
}

func TestRecalculateScoreRejectsUserEntity(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	user := &domain.User{ID: "user-7", TenantID: testTenant, KYCLevel: "full", CreatedAt: time.Now().UTC()}
	score, err := svc.AnalyzeUser(ctx, testTenant, user)
	if err != nil {
		t.Fatalf("AnalyzeUser failed: %v", err)
	}
	if _, err := svc.RecalculateScore(ctx, testTenant, score.ID); err == nil {
		t.Fatal("expected error recalculating a user-entity score")
	}
}

func TestGetFraudIndicators(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	t.Run("new user", func(t *testing.T) {
		set, err := svc.GetFraudIndicators(ctx, &domain.Transaction{
			ID: "tx-ind-1", TenantID: testTenant, UserID: "user-new", Amount: 100,
		})
		if err != nil {
			t.Fatalf("GetFraudIndicators failed: %v", err)
		}
		if len(set.Indicators) != 1 || set.Indicators[0] != "new_user" {
			t.Fatalf("expected lone new_user indicator, got %v", set.Indicators)
		}
		if set.Score != indicatorNewUser {
			t.Fatalf("expected score %.0f, got %.2f", indicatorNewUser, set.Score)
		}
	})

	t.Run("dormant account with unusual amount", func(t *testing.T) {
		seedEstablishedProfile(t, repo, "user-dormant")
		profile, err := repo.GetOrCreateProfile(ctx, testTenant, "user-dormant")
		if err != nil {
			t.Fatalf("GetOrCreateProfile failed: %v", err)
		}
		profile.LastTransactionAt = time.Now().UTC().Add(-120 * 24 * time.Hour)
		if err := repo.SaveProfile(ctx, testTenant, profile); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		set, err := svc.GetFraudIndicators(ctx, &domain.Transaction{
			ID: "tx-ind-2", TenantID: testTenant, UserID: "user-dormant", Amount: 1000,
		})
		if err != nil {
			t.Fatalf("GetFraudIndicators failed: %v", err)
		}
		want := map[string]bool{"unusual_amount": true, "new_max_amount": true, "dormant_account": true}
		for _, ind := range set.Indicators {
			if !want[ind] {
				t.Fatalf("unexpected indicator %s in %v", ind, set.Indicators)
			}
			delete(want, ind)
		}
		if len(want) != 0 {
			t.Fatalf("missing indicators: %v (got %v)", want, set.Indicators)
		}
		wantScore := indicatorUnusualAmount + indicatorNewMaxAmount + indicatorDormant
		if set.Score != wantScore {
			t.Fatalf("expected score %.0f, got %.2f", wantScore, set.Score)
		}
		if set.RiskLevel != domain.RiskLevelForScore(wantScore) {
			t.Fatalf("risk level mismatch: %s", set.RiskLevel)
		}
	})

	t.Run("high risk country", func(t *testing.T) {
		seedEstablishedProfile(t, repo, "user-geo")
		set, err := svc.GetFraudIndicators(ctx, &domain.Transaction{
			ID: "tx-ind-3", TenantID: testTenant, UserID: "user-geo", Amount: 100,
			Metadata: map[string]interface{}{"country": "KP"},
		})
		if err != nil {
			t.Fatalf("GetFraudIndicators failed: %v", err)
		}
		found := false
		for _, ind := range set.Indicators {
			if ind == "high_risk_country" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected high_risk_country indicator, got %v", set.Indicators)
		}
	})
}
