// Package rules implements the declarative fraud-rule engine: category
// dispatch over a closed set of evaluators, optional CEL condition gates,
// sliding-window velocity, burst and cross-account detection.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
)

// categoryEvaluator computes whether a rule of its category triggers for a
// context, and with what score multiplier. Reason names what matched.
type categoryEvaluator func(e *Engine, rule *domain.FraudRule, tc *domain.TransactionContext) (triggered bool, multiplier float64, reason string)

// evaluators is the closed dispatch table: exactly one evaluator per
// category. Rules with a category outside this table are rejected at load.
var evaluators = map[domain.RuleCategory]categoryEvaluator{
	domain.CategoryVelocity:  (*Engine).evalVelocity,
	domain.CategoryPattern:   (*Engine).evalPattern,
	domain.CategoryAmount:    (*Engine).evalAmount,
	domain.CategoryGeography: (*Engine).evalGeography,
	domain.CategoryDevice:    (*Engine).evalDevice,
}

// Engine evaluates configured fraud rules against transaction contexts.
// Active rules are read through the cache with the configured TTL; CEL
// conditions are compiled once per rule version and kept in-process.
type Engine struct {
	repo     domain.Repository
	cache    domain.Cache
	geoSvc   *geo.Service
	velocity *VelocityService
	cfg      *domain.ScoringConfig

	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program // key: ruleID + "@" + updatedAt
}

// NewEngine creates a rule engine.
func NewEngine(repo domain.Repository, cache domain.Cache, geoSvc *geo.Service, velocity *VelocityService, cfg *domain.ScoringConfig) (*Engine, error) {
	if cfg == nil {
		cfg = domain.DefaultScoringConfig()
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("balance", cel.DoubleType),
		cel.Variable("daily_count", cel.IntType),
		cel.Variable("hourly_count", cel.IntType),
		cel.Variable("daily_volume", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("seconds_since_last_tx", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Engine{
		repo:     repo,
		cache:    cache,
		geoSvc:   geoSvc,
		velocity: velocity,
		cfg:      cfg,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ValidateRule checks a rule's category and compiles its condition without
// loading it.
func (e *Engine) ValidateRule(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if _, err := domain.ParseRuleCategory(string(rule.Category)); err != nil {
		return err
	}
	if rule.Condition == "" {
		return nil
	}
	_, err := e.compileCondition(rule.Condition, rule.ID)
	return err
}

// ActiveRules returns the tenant's active rules ordered by (severity desc,
// base score desc). The list is cached for the configured rule-list TTL, so
// administrative changes become visible without a restart.
func (e *Engine) ActiveRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	raw, err := e.cache.GetOrCompute(ctx, tenantID, "rules:active", e.cfg.RuleListTTL, func(ctx context.Context) ([]byte, error) {
		rules, err := e.repo.ListActiveRules(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rules)
	})
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	var rules []*domain.FraudRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode cached rules: %w", err)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Severity != rules[j].Severity {
			return rules[i].Severity > rules[j].Severity
		}
		return rules[i].BaseScore > rules[j].BaseScore
	})
	return rules, nil
}

// InvalidateRules drops the cached rule list for a tenant, forcing the next
// evaluation to re-read storage.
func (e *Engine) InvalidateRules(ctx context.Context, tenantID string) error {
	return e.cache.Delete(ctx, tenantID, "rules:active")
}

// Evaluate runs every active rule against the context. Rule evaluation
// failures are absorbed per rule: a failing rule contributes nothing.
func (e *Engine) Evaluate(ctx context.Context, tc *domain.TransactionContext) (*domain.RuleEngineResult, error) {
	rules, err := e.ActiveRules(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	result := &domain.RuleEngineResult{}
	for _, rule := range rules {
		eval := e.evaluateRule(ctx, rule, tc)
		result.Evaluations = append(result.Evaluations, eval)
		if !eval.Triggered {
			continue
		}

		result.TotalScore = math.Min(100, result.TotalScore+rule.BaseScore*eval.Multiplier)
		result.TriggeredRules = append(result.TriggeredRules, rule.Code)
		if rule.IsBlocking {
			result.BlockingRules = append(result.BlockingRules, rule.Code)
		}

		e.executeActions(ctx, rule, tc)
		if err := e.repo.IncrementRuleTrigger(ctx, tc.TenantID, rule.ID, time.Now().UTC()); err != nil {
			slog.Warn("rule trigger increment failed", "rule_id", rule.ID, "error", err)
		}
	}
	result.TotalScore = domain.Round2(result.TotalScore)
	return result, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *domain.FraudRule, tc *domain.TransactionContext) domain.RuleEvaluation {
	start := time.Now()
	eval := domain.RuleEvaluation{
		RuleID:   rule.ID,
		Code:     rule.Code,
		Category: rule.Category,
		Blocking: rule.IsBlocking,
	}
	defer func() {
		eval.ProcessMs = time.Since(start).Milliseconds()
	}()

	if rule.Condition != "" {
		pass, err := e.conditionHolds(rule, tc)
		if err != nil {
			slog.Warn("rule condition evaluation failed",
				"rule_id", rule.ID,
				"error", err,
			)
			eval.Reason = "condition_error"
			return eval
		}
		if !pass {
			return eval
		}
	}

	evaluator, ok := evaluators[rule.Category]
	if !ok {
		eval.Reason = "unknown_category"
		return eval
	}

	eval.Triggered, eval.Multiplier, eval.Reason = evaluator(e, rule, tc)
	return eval
}

// conditionHolds evaluates the rule's compiled CEL condition against the
// context.
func (e *Engine) conditionHolds(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, error) {
	key := rule.ID + "@" + rule.UpdatedAt.UTC().Format(time.RFC3339Nano)

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()

	if !ok {
		var err error
		program, err = e.compileCondition(rule.Condition, rule.ID)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.programs[key] = program
		e.mu.Unlock()
	}

	newDevice := tc.DeviceRecord == nil || tc.DeviceRecord.SeenCount <= 1
	out, _, err := program.Eval(map[string]any{
		"amount":                tc.Amount,
		"currency":              tc.Currency,
		"tx_type":               tc.TxType,
		"balance":               tc.AccountBalance,
		"daily_count":           int64(tc.DailyCount),
		"hourly_count":          int64(tc.HourlyCount),
		"daily_volume":          tc.DailyVolume,
		"country":               tc.Country,
		"hour":                  int64(tc.Timestamp.Hour()),
		"is_new_device":         newDevice,
		"seconds_since_last_tx": tc.SecondsSinceLastTx,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: condition must return bool", rule.ID)
	}
	return bool(b), nil
}

func (e *Engine) compileCondition(expr, ruleID string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition for rule %s: %w", ruleID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: condition must return bool, got %s", ruleID, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program for rule %s: %w", ruleID, err)
	}
	return program, nil
}

// executeActions runs the rule's configured actions. Actions are
// best-effort side channels, never decision inputs.
func (e *Engine) executeActions(ctx context.Context, rule *domain.FraudRule, tc *domain.TransactionContext) {
	for _, action := range rule.Actions {
		switch action {
		case domain.ActionNotify:
			slog.Info("fraud rule triggered",
				"rule_code", rule.Code,
				"tx_id", tc.TxID,
				"user_id", tc.UserID,
				"tenant_id", tc.TenantID,
			)
		case domain.ActionFlag:
			slog.Warn("transaction flagged by rule",
				"rule_code", rule.Code,
				"tx_id", tc.TxID,
			)
		}
	}
}

// evalVelocity checks the context's velocity counters against the rule's
// thresholds. The multiplier grows with the worst exceed ratio, capped at 2.
func (e *Engine) evalVelocity(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, float64, string) {
	t := rule.Thresholds
	var worst float64
	reason := ""

	check := func(value, limit float64, name string) {
		if limit <= 0 || value <= limit {
			return
		}
		ratio := value / limit
		if ratio > worst {
			worst = ratio
			reason = name
		}
	}

	check(float64(tc.DailyCount), float64(t.MaxDailyCount), "daily_count_exceeded")
	check(float64(tc.HourlyCount), float64(t.MaxHourlyCount), "hourly_count_exceeded")
	check(tc.DailyVolume, t.MaxDailyVolume, "daily_volume_exceeded")

	if worst == 0 {
		return false, 0, ""
	}
	return true, math.Min(2, worst), reason
}

// Pattern constants.
const (
	rapidSuccessionSecs  = 120.0
	structuringMarginPct = 0.10
	defaultReportingAmt  = 10000.0
)

// evalPattern checks the structural abuse patterns: rapid succession, round
// amounts, structuring just under the reporting threshold, and suspicious
// deposit→withdrawal sequencing. Each matched pattern raises the multiplier.
func (e *Engine) evalPattern(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, float64, string) {
	var matched []string

	window := rule.Thresholds.RapidWindowSecs
	if window <= 0 {
		window = rapidSuccessionSecs
	}
	if tc.SecondsSinceLastTx > 0 && tc.SecondsSinceLastTx < window {
		matched = append(matched, "rapid_succession")
	}

	if tc.Amount > 0 && (math.Mod(tc.Amount, 1000) == 0 || math.Mod(tc.Amount, 100) == 0) {
		matched = append(matched, "round_amount")
	}

	reporting := rule.Thresholds.ReportingAmount
	if reporting <= 0 {
		reporting = defaultReportingAmt
	}
	if tc.Amount < reporting && tc.Amount >= reporting*(1-structuringMarginPct) && tc.DailyCount > 2 {
		matched = append(matched, "structuring")
	}

	if tc.TxType == "withdrawal" && tc.PreviousTxType == "deposit" &&
		tc.SecondsSinceLastTx > 0 && tc.SecondsSinceLastTx < window {
		matched = append(matched, "deposit_withdrawal_sequence")
	}

	if len(matched) == 0 {
		return false, 0, ""
	}
	return true, math.Min(2, 0.5+0.5*float64(len(matched))), matched[0]
}

// evalAmount checks absolute, percent-of-balance and multiple-of-average
// amount limits.
func (e *Engine) evalAmount(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, float64, string) {
	t := rule.Thresholds
	var worst float64
	reason := ""

	if t.MaxAmount > 0 && tc.Amount > t.MaxAmount {
		worst = tc.Amount / t.MaxAmount
		reason = "amount_limit_exceeded"
	}
	if t.MaxBalancePct > 0 && tc.AccountBalance > 0 {
		pct := tc.Amount / tc.AccountBalance
		if pct > t.MaxBalancePct && pct/t.MaxBalancePct > worst {
			worst = pct / t.MaxBalancePct
			reason = "balance_share_exceeded"
		}
	}
	if t.MaxAvgMultiple > 0 && tc.Profile != nil && tc.Profile.AvgTransactionAmount > 0 {
		mult := tc.Amount / tc.Profile.AvgTransactionAmount
		if mult > t.MaxAvgMultiple && mult/t.MaxAvgMultiple > worst {
			worst = mult / t.MaxAvgMultiple
			reason = "average_multiple_exceeded"
		}
	}

	if worst == 0 {
		return false, 0, ""
	}
	return true, math.Min(2, worst), reason
}

// impossibleTravelWindow is the maximum gap for the cross-country
// impossible-travel rule check.
const impossibleTravelWindow = 2 * time.Hour

// evalGeography checks high-risk countries, country mismatch against the
// previous transaction, and short-window cross-country impossible travel.
func (e *Engine) evalGeography(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, float64, string) {
	highRisk := rule.Thresholds.HighRiskCountries
	if len(highRisk) == 0 {
		highRisk = e.cfg.HighRiskCountries
	}
	for _, c := range highRisk {
		if c == tc.Country && tc.Country != "" {
			return true, 1.5, "high_risk_country"
		}
	}

	crossCountry := tc.Country != "" && tc.PreviousCountry != "" && tc.Country != tc.PreviousCountry
	if crossCountry && tc.Location != nil && tc.PreviousLocation != nil &&
		tc.SecondsSinceLastTx > 0 && tc.SecondsSinceLastTx < impossibleTravelWindow.Seconds() {
		check := e.geoSvc.IsImpossibleTravel(
			tc.PreviousLocation.Lat, tc.PreviousLocation.Lon,
			tc.Location.Lat, tc.Location.Lon,
			tc.SecondsSinceLastTx,
		)
		if check.Impossible {
			return true, 2, "impossible_travel"
		}
	}

	if crossCountry {
		return true, 1, "country_mismatch"
	}
	return false, 0, ""
}

// evalDevice checks anonymizing connections and device novelty against the
// stored fingerprint record and the user's trusted set.
func (e *Engine) evalDevice(rule *domain.FraudRule, tc *domain.TransactionContext) (bool, float64, string) {
	record := tc.DeviceRecord
	if record != nil {
		if record.IsTor {
			return true, 2, "tor_connection"
		}
		if record.IsVPN || record.IsProxy {
			return true, 1.5, "anonymizing_connection"
		}
	}

	if tc.Device != nil && tc.Profile != nil {
		hash := tc.Device.DeviceID
		if record != nil {
			hash = record.FingerprintHash
		}
		if hash != "" && !tc.Profile.TrustsDevice(hash) {
			if record == nil || record.SeenCount <= 1 {
				return true, 1, "new_device"
			}
			return true, 0.5, "untrusted_device"
		}
	}
	return false, 0, ""
}
