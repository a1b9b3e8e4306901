// Package domain defines the core types and capability interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the persistence contract the scoring core depends on.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transactions.
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tenantID string, txID string, status string) error
	RecentTransactions(ctx context.Context, tenantID string, userID string, limit int) ([]*Transaction, error)
	CountTransactionsInWindow(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error)
	SumAmountInWindow(ctx context.Context, tenantID string, userID string, since time.Time) (float64, error)

	// Cross-account correlation.
	CountDistinctUsersByDevice(ctx context.Context, tenantID string, fingerprintHash string, since time.Time) (int64, error)
	CountDistinctUsersByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error)
	CountBlockedTransactionsByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error)

	// Behavioral profiles (get-or-create semantics; the whole profile is
	// rewritten in one upsert so concurrent analyses never interleave a
	// half-written baseline).
	GetOrCreateProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)
	GetProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)
	SaveProfile(ctx context.Context, tenantID string, profile *BehavioralProfile) error

	// Fraud rules.
	ListActiveRules(ctx context.Context, tenantID string) ([]*FraudRule, error)
	GetRule(ctx context.Context, tenantID string, ruleID string) (*FraudRule, error)
	SaveRule(ctx context.Context, tenantID string, rule *FraudRule) error
	IncrementRuleTrigger(ctx context.Context, tenantID string, ruleID string, at time.Time) error

	// Fraud scores (create placeholder, finalize exactly once).
	CreateFraudScore(ctx context.Context, tenantID string, score *FraudScore) error
	UpdateFraudScore(ctx context.Context, tenantID string, score *FraudScore) error
	GetFraudScore(ctx context.Context, tenantID string, scoreID string) (*FraudScore, error)

	// Anomaly detections.
	SaveAnomaly(ctx context.Context, tenantID string, a *AnomalyDetection) error
	ListAnomaliesByEntity(ctx context.Context, tenantID string, entityID string) ([]*AnomalyDetection, error)

	// Fraud cases.
	CreateFraudCase(ctx context.Context, tenantID string, c *FraudCase) error
	ListOpenFraudCases(ctx context.Context, tenantID string, limit int) ([]*FraudCase, error)
	ResolveFraudCase(ctx context.Context, tenantID string, caseID string, at time.Time) error

	// Device fingerprints.
	FindDeviceByHash(ctx context.Context, tenantID string, hash string) (*DeviceFingerprint, error)
	SaveDevice(ctx context.Context, tenantID string, device *DeviceFingerprint) error

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string

	// SQLite specific.
	SQLitePath string

	// PostgreSQL specific.
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
