package domain

import (
	"context"
	"time"
)

// EventBus defines the event-sink capability for the scoring pipeline.
// Supports Go channels (Community) or NATS (Pro). The pipeline publishes
// domain events as plain data after its persistence has committed; delivery
// is fire-and-forget.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats".
	Type string

	// Channel settings (Community tier).
	ChannelBufferSize int

	// NATS settings (Pro tier).
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics published and consumed by the scoring pipeline.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicAnomalyDetected     = "kestrel.anomaly.detected"
	TopicFraudDetected       = "kestrel.fraud.detected"
	TopicTransactionBlocked  = "kestrel.transaction.blocked"
	TopicChallengeRequired   = "kestrel.challenge.required"
)

// FraudEvent is the payload published on the fraud/decision topics.
type FraudEvent struct {
	TenantID     string    `json:"tenantId"`
	FraudScoreID string    `json:"fraudScoreId"`
	EntityID     string    `json:"entityId"`
	EntityType   string    `json:"entityType"`
	UserID       string    `json:"userId"`
	Score        float64   `json:"score"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	Decision     Decision  `json:"decision"`
	Factors      []string  `json:"factors,omitempty"`
	At           time.Time `json:"at"`
}

// AnomalyEvent is the payload published when a detection is persisted.
type AnomalyEvent struct {
	TenantID    string    `json:"tenantId"`
	AnomalyID   string    `json:"anomalyId"`
	EntityID    string    `json:"entityId"`
	UserID      string    `json:"userId"`
	AnomalyType string    `json:"anomalyType"`
	Score       float64   `json:"score"`
	Severity    Severity  `json:"severity"`
	At          time.Time `json:"at"`
}
