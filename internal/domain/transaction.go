package domain

import (
	"math"
	"time"
)

// Transaction represents a single transaction submitted for risk scoring.
type Transaction struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`

	// Transaction type (e.g., "transfer", "payment", "withdrawal", "deposit")
	Type string `json:"type"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// CounterpartyID is the receiving entity, when present.
	CounterpartyID string `json:"counterpartyId,omitempty"`

	// Status tracks the decision side effects applied to the transaction.
	Status string `json:"status"`

	// DeviceHash and IPAddress link the transaction to the device and
	// network identity it was made from, for cross-account correlation.
	DeviceHash string `json:"deviceHash,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Transaction status values set by decision side effects.
const (
	TxStatusPending          = "pending"
	TxStatusCompleted        = "completed"
	TxStatusBlocked          = "blocked"
	TxStatusFlaggedForReview = "flagged_for_review"
	TxStatusPendingChallenge = "pending_challenge"
)

// Account is the balance snapshot the scoring pipeline reads.
type Account struct {
	ID       string  `json:"id"`
	UserID   string  `json:"userId"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// User is the relevant slice of the platform's user record.
type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	KYCLevel  string    `json:"kycLevel"` // "none", "basic", "enhanced", "full"
	RiskFlag  string    `json:"riskFlag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TransactionContext is the ephemeral analysis input built per scoring call.
// It carries everything the detectors need so they never reach back into
// storage mid-analysis. Built fresh per call; not persisted.
type TransactionContext struct {
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`
	UserID   string `json:"userId"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	TxType   string  `json:"txType"`

	CounterpartyID string `json:"counterpartyId,omitempty"`

	AccountBalance float64 `json:"accountBalance"`

	Timestamp time.Time `json:"timestamp"`

	// Velocity counters for the current day/hour.
	DailyCount  int     `json:"dailyCount"`
	HourlyCount int     `json:"hourlyCount"`
	DailyVolume float64 `json:"dailyVolume"`

	// Geolocation of this transaction and the previous one.
	Location         *GeoPoint `json:"location,omitempty"`
	Country          string    `json:"country,omitempty"`
	PreviousLocation *GeoPoint `json:"previousLocation,omitempty"`
	PreviousCountry  string    `json:"previousCountry,omitempty"`
	// Seconds since the previous transaction. Zero when unknown.
	SecondsSinceLastTx float64 `json:"secondsSinceLastTx"`

	// Time since the last activity on the account, for dormancy checks.
	DaysSinceLastActivity float64 `json:"daysSinceLastActivity"`

	// Device data captured with the transaction, and the stored fingerprint
	// record resolved for it (set by the pipeline after fingerprint
	// processing).
	Device       *DeviceData        `json:"device,omitempty"`
	DeviceRecord *DeviceFingerprint `json:"deviceRecord,omitempty"`

	// Behavioral snapshot.
	Profile *BehavioralProfile `json:"profile,omitempty"`

	// User snapshot.
	User *User `json:"user,omitempty"`

	// Recent transaction amounts (newest first) and the matching timestamps,
	// bounded by ScoringConfig.MaxHistorySize.
	HistoryAmounts    []float64   `json:"historyAmounts,omitempty"`
	HistoryTimestamps []time.Time `json:"historyTimestamps,omitempty"`

	// Historical locations for geo clustering.
	HistoryLocations []GeoPoint `json:"historyLocations,omitempty"`

	// PreviousTxType is the type of the immediately preceding transaction,
	// used for deposit→withdrawal sequencing checks.
	PreviousTxType string `json:"previousTxType,omitempty"`
}

// Sanitize clamps numeric fields into their valid domains so that malformed
// upstream data can never push NaN/Inf or out-of-range values into the
// detectors. maxHistory bounds the history slices; <=0 means no bound.
func (c *TransactionContext) Sanitize(maxHistory int) {
	c.Amount = sanitizeNonNegative(c.Amount)
	c.AccountBalance = sanitizeNonNegative(c.AccountBalance)
	c.DailyVolume = sanitizeNonNegative(c.DailyVolume)
	c.SecondsSinceLastTx = sanitizeNonNegative(c.SecondsSinceLastTx)
	c.DaysSinceLastActivity = sanitizeNonNegative(c.DaysSinceLastActivity)
	if c.DailyCount < 0 {
		c.DailyCount = 0
	}
	if c.HourlyCount < 0 {
		c.HourlyCount = 0
	}
	if c.Location != nil {
		c.Location.Lat = clamp(c.Location.Lat, -90, 90)
		c.Location.Lon = clamp(c.Location.Lon, -180, 180)
	}
	if c.PreviousLocation != nil {
		c.PreviousLocation.Lat = clamp(c.PreviousLocation.Lat, -90, 90)
		c.PreviousLocation.Lon = clamp(c.PreviousLocation.Lon, -180, 180)
	}
	if maxHistory > 0 {
		if len(c.HistoryAmounts) > maxHistory {
			c.HistoryAmounts = c.HistoryAmounts[:maxHistory]
		}
		if len(c.HistoryTimestamps) > maxHistory {
			c.HistoryTimestamps = c.HistoryTimestamps[:maxHistory]
		}
		if len(c.HistoryLocations) > maxHistory {
			c.HistoryLocations = c.HistoryLocations[:maxHistory]
		}
	}
}

func sanitizeNonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp bounds v into [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 { return clamp(v, lo, hi) }

// Round2 rounds to 2 decimals, the precision of all persisted scores.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Round4 rounds to 4 decimals, the precision of all confidence values.
func Round4(v float64) float64 { return math.Round(v*10000) / 10000 }
