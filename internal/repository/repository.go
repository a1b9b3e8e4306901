// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, user_id, account_id, type, amount, currency,
			counterparty_id, status, device_hash, ip_address,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.AccountID, tx.Type,
		tx.Amount, tx.Currency,
		tx.CounterpartyID, tx.Status, tx.DeviceHash, tx.IPAddress,
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

const txColumns = `id, tenant_id, user_id, account_id, type, amount, currency,
		counterparty_id, status, device_hash, ip_address, timestamp, created_at, metadata`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*domain.Transaction, error) {
	var tx domain.Transaction
	var metadata string

	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &tx.AccountID, &tx.Type,
		&tx.Amount, &tx.Currency,
		&tx.CounterpartyID, &tx.Status, &tx.DeviceHash, &tx.IPAddress,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// UpdateTransactionStatus updates the decision side effect on a transaction.
func (r *SQLRepository) UpdateTransactionStatus(ctx context.Context, tenantID string, txID string, status string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE transactions SET status = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, tenantID, txID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentTransactions retrieves a user's latest transactions, newest first.
func (r *SQLRepository) RecentTransactions(ctx context.Context, tenantID string, userID string, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + txColumns + `
		FROM transactions
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// CountTransactionsInWindow counts a user's transactions since the given time.
func (r *SQLRepository) CountTransactionsInWindow(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID, since).Scan(&count)
	return count, err
}

// SumAmountInWindow sums a user's transaction amounts since the given time.
func (r *SQLRepository) SumAmountInWindow(ctx context.Context, tenantID string, userID string, since time.Time) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID, since).Scan(&sum)
	return sum, err
}

// CountDistinctUsersByDevice counts distinct users transacting from a device
// fingerprint since the given time.
func (r *SQLRepository) CountDistinctUsersByDevice(ctx context.Context, tenantID string, fingerprintHash string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(DISTINCT user_id) FROM transactions WHERE tenant_id = ? AND device_hash = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, fingerprintHash, since).Scan(&count)
	return count, err
}

// CountDistinctUsersByIP counts distinct users transacting from an IP since
// the given time.
func (r *SQLRepository) CountDistinctUsersByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(DISTINCT user_id) FROM transactions WHERE tenant_id = ? AND ip_address = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, since).Scan(&count)
	return count, err
}

// CountBlockedTransactionsByIP counts blocked transactions from an IP since
// the given time.
func (r *SQLRepository) CountBlockedTransactionsByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND ip_address = ? AND status = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, domain.TxStatusBlocked, since).Scan(&count)
	return count, err
}

// GetOrCreateProfile loads a user's behavioral profile, creating an empty one
// on first sight.
func (r *SQLRepository) GetOrCreateProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	profile, err := r.getProfile(ctx, tenantID, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	profile = domain.NewBehavioralProfile(tenantID, userID, now)
	doc, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}

	// DO NOTHING on conflict: a concurrent analysis may have created the row.
	query := `
		INSERT INTO behavioral_profiles (tenant_id, user_id, profile, is_established, total_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, userID, string(doc), now, now); err != nil {
		return nil, err
	}

	return r.getProfile(ctx, tenantID, userID)
}

// GetProfile loads a user's behavioral profile without creating one.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return r.getProfile(ctx, tenantID, userID)
}

func (r *SQLRepository) getProfile(ctx context.Context, tenantID, userID string) (*domain.BehavioralProfile, error) {
	query := `SELECT profile FROM behavioral_profiles WHERE tenant_id = ? AND user_id = ?`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile domain.BehavioralProfile
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	profile.EnsureDistributions()
	return &profile, nil
}

// SaveProfile rewrites the whole profile document in a single upsert so
// concurrent analyses never observe a half-written baseline.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.BehavioralProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("%w: profile with userID is required", ErrInvalidInput)
	}

	doc, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	established := 0
	if profile.IsEstablished {
		established = 1
	}

	query := `
		INSERT INTO behavioral_profiles (tenant_id, user_id, profile, is_established, total_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			profile = excluded.profile,
			is_established = excluded.is_established,
			total_count = excluded.total_count,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.UserID, string(doc), established,
		profile.TotalTransactionCount, profile.CreatedAt, profile.UpdatedAt,
	)
	return err
}

const ruleColumns = `id, tenant_id, code, name, description, category, severity, base_score,
		thresholds, condition, actions, is_blocking, is_active, trigger_count,
		last_triggered_at, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var category, thresholds, actions string
	var blocking, active int
	var lastTriggered sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Code, &rule.Name, &rule.Description,
		&category, &rule.Severity, &rule.BaseScore,
		&thresholds, &rule.Condition, &actions, &blocking, &active,
		&rule.TriggerCount, &lastTriggered, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Category = domain.RuleCategory(category)
	rule.IsBlocking = blocking == 1
	rule.IsActive = active == 1
	if lastTriggered.Valid {
		t := lastTriggered.Time
		rule.LastTriggeredAt = &t
	}
	if thresholds != "" {
		if err := json.Unmarshal([]byte(thresholds), &rule.Thresholds); err != nil {
			return nil, fmt.Errorf("failed to parse rule thresholds: %w", err)
		}
	}
	if actions != "" {
		json.Unmarshal([]byte(actions), &rule.Actions)
	}
	return &rule, nil
}

// ListActiveRules retrieves all active fraud rules for a tenant.
func (r *SQLRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + `
		FROM fraud_rules
		WHERE tenant_id = ? AND is_active = 1
		ORDER BY severity DESC, base_score DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule retrieves a fraud rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// SaveRule creates or replaces a fraud rule.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule with ID is required", ErrInvalidInput)
	}

	thresholds, _ := json.Marshal(rule.Thresholds)
	actions, _ := json.Marshal(rule.Actions)

	blocking := 0
	if rule.IsBlocking {
		blocking = 1
	}
	active := 0
	if rule.IsActive {
		active = 1
	}

	var lastTriggered sql.NullTime
	if rule.LastTriggeredAt != nil {
		lastTriggered = sql.NullTime{Time: *rule.LastTriggeredAt, Valid: true}
	}

	query := `
		INSERT INTO fraud_rules (
			id, tenant_id, code, name, description, category, severity, base_score,
			thresholds, condition, actions, is_blocking, is_active, trigger_count,
			last_triggered_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			severity = excluded.severity,
			base_score = excluded.base_score,
			thresholds = excluded.thresholds,
			condition = excluded.condition,
			actions = excluded.actions,
			is_blocking = excluded.is_blocking,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Code, rule.Name, rule.Description,
		string(rule.Category), rule.Severity, rule.BaseScore,
		string(thresholds), rule.Condition, string(actions), blocking, active,
		rule.TriggerCount, lastTriggered, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// IncrementRuleTrigger bumps a rule's trigger counter in one statement.
func (r *SQLRepository) IncrementRuleTrigger(ctx context.Context, tenantID string, ruleID string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_rules
		SET trigger_count = trigger_count + 1, last_triggered_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), at, tenantID, ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFraudScore inserts the placeholder score row.
func (r *SQLRepository) CreateFraudScore(ctx context.Context, tenantID string, score *domain.FraudScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	breakdown, _ := json.Marshal(score.Breakdown)
	factors, _ := json.Marshal(score.DecisionFactors)
	results, _ := json.Marshal(score.Results)

	var mlScore sql.NullFloat64
	if score.MLScore != nil {
		mlScore = sql.NullFloat64{Float64: *score.MLScore, Valid: true}
	}

	query := `
		INSERT INTO fraud_scores (
			id, tenant_id, entity_id, entity_type, user_id, total_score, risk_level,
			breakdown, decision, decision_factors, ml_score, results, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		score.ID, tenantID, score.EntityID, score.EntityType, score.UserID,
		score.TotalScore, string(score.RiskLevel),
		string(breakdown), string(score.Decision), string(factors), mlScore,
		string(results), score.CreatedAt, score.UpdatedAt,
	)
	return err
}

// UpdateFraudScore finalizes a score in a single UPDATE so readers see
// either the placeholder or the complete result, never a mix.
func (r *SQLRepository) UpdateFraudScore(ctx context.Context, tenantID string, score *domain.FraudScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	breakdown, _ := json.Marshal(score.Breakdown)
	factors, _ := json.Marshal(score.DecisionFactors)
	results, _ := json.Marshal(score.Results)

	var mlScore sql.NullFloat64
	if score.MLScore != nil {
		mlScore = sql.NullFloat64{Float64: *score.MLScore, Valid: true}
	}

	query := `
		UPDATE fraud_scores
		SET total_score = ?, risk_level = ?, breakdown = ?, decision = ?,
			decision_factors = ?, ml_score = ?, results = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		score.TotalScore, string(score.RiskLevel), string(breakdown),
		string(score.Decision), string(factors), mlScore, string(results),
		score.UpdatedAt, tenantID, score.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFraudScore retrieves a fraud score by ID with tenant isolation.
func (r *SQLRepository) GetFraudScore(ctx context.Context, tenantID string, scoreID string) (*domain.FraudScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, entity_type, user_id, total_score, risk_level,
			   breakdown, decision, decision_factors, ml_score, results, created_at, updated_at
		FROM fraud_scores
		WHERE tenant_id = ? AND id = ?
	`

	var score domain.FraudScore
	var riskLevel, breakdown, decision, factors, results string
	var mlScore sql.NullFloat64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, scoreID).Scan(
		&score.ID, &score.TenantID, &score.EntityID, &score.EntityType, &score.UserID,
		&score.TotalScore, &riskLevel,
		&breakdown, &decision, &factors, &mlScore, &results,
		&score.CreatedAt, &score.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	score.RiskLevel = domain.RiskLevel(riskLevel)
	score.Decision = domain.Decision(decision)
	if mlScore.Valid {
		v := mlScore.Float64
		score.MLScore = &v
	}
	json.Unmarshal([]byte(breakdown), &score.Breakdown)
	json.Unmarshal([]byte(factors), &score.DecisionFactors)
	json.Unmarshal([]byte(results), &score.Results)

	return &score, nil
}

// SaveAnomaly persists an anomaly detection record.
func (r *SQLRepository) SaveAnomaly(ctx context.Context, tenantID string, a *domain.AnomalyDetection) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(a.Features)

	query := `
		INSERT INTO anomaly_detections (
			id, tenant_id, entity_id, entity_type, user_id, fraud_score_id,
			anomaly_type, detection_method, score, confidence, severity,
			features, explanation, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.EntityID, a.EntityType, a.UserID, a.FraudScoreID,
		a.AnomalyType, a.DetectionMethod, a.Score, a.Confidence, string(a.Severity),
		string(features), a.Explanation, a.CreatedAt,
	)
	return err
}

// ListAnomaliesByEntity retrieves anomaly detections for an entity, newest first.
func (r *SQLRepository) ListAnomaliesByEntity(ctx context.Context, tenantID string, entityID string) ([]*domain.AnomalyDetection, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, entity_type, user_id, fraud_score_id,
			   anomaly_type, detection_method, score, confidence, severity,
			   features, explanation, created_at
		FROM anomaly_detections
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*domain.AnomalyDetection
	for rows.Next() {
		var a domain.AnomalyDetection
		var severity, features string

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.EntityID, &a.EntityType, &a.UserID, &a.FraudScoreID,
			&a.AnomalyType, &a.DetectionMethod, &a.Score, &a.Confidence, &severity,
			&features, &a.Explanation, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		a.Severity = domain.Severity(severity)
		if features != "" {
			json.Unmarshal([]byte(features), &a.Features)
		}
		anomalies = append(anomalies, &a)
	}
	return anomalies, rows.Err()
}

// FindDeviceByHash retrieves a device fingerprint by hash. Returns nil when
// the device has never been seen.
func (r *SQLRepository) FindDeviceByHash(ctx context.Context, tenantID string, hash string) (*domain.DeviceFingerprint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fingerprint_hash, user_agent, screen_resolution,
			   timezone, canvas_hash, platform, trust_score, seen_count,
			   last_ip, is_vpn, is_proxy, is_tor, country, associated_users,
			   first_seen_at, last_seen_at
		FROM device_fingerprints
		WHERE tenant_id = ? AND fingerprint_hash = ?
	`

	var d domain.DeviceFingerprint
	var vpn, proxy, tor int
	var users string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, hash).Scan(
		&d.ID, &d.TenantID, &d.FingerprintHash, &d.UserAgent, &d.ScreenResolution,
		&d.Timezone, &d.CanvasHash, &d.Platform, &d.TrustScore, &d.SeenCount,
		&d.LastIP, &vpn, &proxy, &tor, &d.Country, &users,
		&d.FirstSeenAt, &d.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.IsVPN = vpn == 1
	d.IsProxy = proxy == 1
	d.IsTor = tor == 1
	if users != "" {
		json.Unmarshal([]byte(users), &d.AssociatedUsers)
	}
	return &d, nil
}

// SaveDevice creates or replaces a device fingerprint record.
func (r *SQLRepository) SaveDevice(ctx context.Context, tenantID string, device *domain.DeviceFingerprint) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if device == nil || device.FingerprintHash == "" {
		return fmt.Errorf("%w: device with fingerprint hash is required", ErrInvalidInput)
	}

	users, _ := json.Marshal(device.AssociatedUsers)

	vpn := 0
	if device.IsVPN {
		vpn = 1
	}
	proxy := 0
	if device.IsProxy {
		proxy = 1
	}
	tor := 0
	if device.IsTor {
		tor = 1
	}

	query := `
		INSERT INTO device_fingerprints (
			id, tenant_id, fingerprint_hash, user_agent, screen_resolution,
			timezone, canvas_hash, platform, trust_score, seen_count,
			last_ip, is_vpn, is_proxy, is_tor, country, associated_users,
			first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, fingerprint_hash) DO UPDATE SET
			trust_score = excluded.trust_score,
			seen_count = excluded.seen_count,
			last_ip = excluded.last_ip,
			is_vpn = excluded.is_vpn,
			is_proxy = excluded.is_proxy,
			is_tor = excluded.is_tor,
			country = excluded.country,
			associated_users = excluded.associated_users,
			last_seen_at = excluded.last_seen_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		device.ID, tenantID, device.FingerprintHash, device.UserAgent, device.ScreenResolution,
		device.Timezone, device.CanvasHash, device.Platform, device.TrustScore, device.SeenCount,
		device.LastIP, vpn, proxy, tor, device.Country, string(users),
		device.FirstSeenAt, device.LastSeenAt,
	)
	return err
}

// CreateFraudCase persists a new investigation case.
func (r *SQLRepository) CreateFraudCase(ctx context.Context, tenantID string, c *domain.FraudCase) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_cases (
			id, tenant_id, fraud_score_id, entity_id, user_id,
			status, priority, reason, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.FraudScoreID, c.EntityID, c.UserID,
		c.Status, string(c.Priority), c.Reason, c.CreatedAt, c.ResolvedAt,
	)
	return err
}

// ListOpenFraudCases retrieves open cases, newest first.
func (r *SQLRepository) ListOpenFraudCases(ctx context.Context, tenantID string, limit int) ([]*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, fraud_score_id, entity_id, user_id,
			   status, priority, reason, created_at, resolved_at
		FROM fraud_cases
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, domain.CaseStatusOpen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.FraudCase
	for rows.Next() {
		var c domain.FraudCase
		var priority string
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.FraudScoreID, &c.EntityID, &c.UserID,
			&c.Status, &priority, &c.Reason, &c.CreatedAt, &resolvedAt,
		); err != nil {
			return nil, err
		}

		c.Priority = domain.RiskLevel(priority)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		cases = append(cases, &c)
	}
	return cases, rows.Err()
}

// ResolveFraudCase marks an open case resolved.
func (r *SQLRepository) ResolveFraudCase(ctx context.Context, tenantID string, caseID string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_cases
		SET status = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		domain.CaseStatusResolved, at, tenantID, caseID, domain.CaseStatusOpen)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("fraud case %s: %w", caseID, ErrNotFound)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
