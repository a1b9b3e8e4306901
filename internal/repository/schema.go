package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    counterparty_id TEXT,
    status TEXT NOT NULL,
    device_hash TEXT,
    ip_address TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(tenant_id, device_hash, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_ip ON transactions(tenant_id, ip_address, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(tenant_id, status);
`

// schemaProfiles keeps the full profile document in one JSON column so the
// per-transaction upsert replaces the whole baseline in a single statement.
const schemaProfiles = `
CREATE TABLE IF NOT EXISTS behavioral_profiles (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    profile TEXT NOT NULL,
    is_established INTEGER NOT NULL DEFAULT 0,
    total_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT NOT NULL,
    severity INTEGER NOT NULL DEFAULT 0,
    base_score REAL NOT NULL,
    thresholds TEXT NOT NULL,
    condition TEXT,
    actions TEXT,
    is_blocking INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_tenant ON fraud_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_rules_active ON fraud_rules(tenant_id, is_active);
`

const schemaFraudScores = `
CREATE TABLE IF NOT EXISTS fraud_scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    total_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    breakdown TEXT NOT NULL,
    decision TEXT NOT NULL,
    decision_factors TEXT,
    ml_score REAL,
    results TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_scores_tenant ON fraud_scores(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_scores_entity ON fraud_scores(tenant_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_fraud_scores_user ON fraud_scores(tenant_id, user_id);
`

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomaly_detections (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    fraud_score_id TEXT,
    anomaly_type TEXT NOT NULL,
    detection_method TEXT NOT NULL,
    score REAL NOT NULL,
    confidence REAL NOT NULL,
    severity TEXT NOT NULL,
    features TEXT NOT NULL,
    explanation TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_tenant ON anomaly_detections(tenant_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_entity ON anomaly_detections(tenant_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_user ON anomaly_detections(tenant_id, user_id);
`

const schemaDevices = `
CREATE TABLE IF NOT EXISTS device_fingerprints (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    fingerprint_hash TEXT NOT NULL,
    user_agent TEXT,
    screen_resolution TEXT,
    timezone TEXT,
    canvas_hash TEXT,
    platform TEXT,
    trust_score REAL NOT NULL DEFAULT 50,
    seen_count INTEGER NOT NULL DEFAULT 0,
    last_ip TEXT,
    is_vpn INTEGER NOT NULL DEFAULT 0,
    is_proxy INTEGER NOT NULL DEFAULT 0,
    is_tor INTEGER NOT NULL DEFAULT 0,
    country TEXT,
    associated_users TEXT,
    first_seen_at TIMESTAMP NOT NULL,
    last_seen_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_hash ON device_fingerprints(tenant_id, fingerprint_hash);
`

const schemaFraudCases = `
CREATE TABLE IF NOT EXISTS fraud_cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    fraud_score_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fraud_cases_tenant ON fraud_cases(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_cases_status ON fraud_cases(tenant_id, status, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaProfiles,
		schemaFraudRules,
		schemaFraudScores,
		schemaAnomalies,
		schemaDevices,
		schemaFraudCases,
	}
}
