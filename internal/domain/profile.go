package domain

import "time"

// BehavioralProfile is the rolling per-user statistical baseline used to
// judge what "normal" looks like for a user. Created on first transaction,
// mutated after every scored transaction, never deleted.
type BehavioralProfile struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	// Rolling amount statistics over the retention window.
	AvgTransactionAmount float64 `json:"avgTransactionAmount"`
	MaxTransactionAmount float64 `json:"maxTransactionAmount"`
	AmountStdDev         float64 `json:"amountStdDev"`

	// Daily activity statistics.
	AvgDailyCount  float64 `json:"avgDailyCount"`
	AvgDailyVolume float64 `json:"avgDailyVolume"`
	MaxDailyVolume float64 `json:"maxDailyVolume"`

	// AvgMonthlyCount feeds segmentation.
	AvgMonthlyCount float64 `json:"avgMonthlyCount"`

	// Typical activity distributions; always length 24 and 7 respectively.
	// Values are observation counts per bucket.
	TypicalHours []float64 `json:"typicalHours"`
	TypicalDays  []float64 `json:"typicalDays"`

	// Devices promoted to trusted on allowed transactions.
	TrustedDevices []string `json:"trustedDevices,omitempty"`

	// Countries seen on allowed transactions.
	UsualCountries []string `json:"usualCountries,omitempty"`

	// Recipients previously paid by this user.
	KnownRecipients []string `json:"knownRecipients,omitempty"`

	AdaptiveThresholds *AdaptiveThresholds `json:"adaptiveThresholds,omitempty"`

	DriftScore  float64  `json:"driftScore"`
	Segment     string   `json:"segment"`
	SegmentTags []string `json:"segmentTags,omitempty"`

	TotalTransactionCount   int64 `json:"totalTransactionCount"`
	SuspiciousActivityCount int64 `json:"suspiciousActivityCount"`

	FirstTransactionAt time.Time `json:"firstTransactionAt"`
	LastTransactionAt  time.Time `json:"lastTransactionAt"`

	IsEstablished bool `json:"isEstablished"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AdaptiveThresholds are the per-user learned bounds recomputed from the
// profile's rolling statistics.
type AdaptiveThresholds struct {
	AmountUpper    float64 `json:"amountUpper"`
	AmountLower    float64 `json:"amountLower"`
	DailyCountMax  float64 `json:"dailyCountMax"`
	DailyVolumeMax float64 `json:"dailyVolumeMax"`
}

// Profile maturity requirements.
const (
	ProfileMaturityAge      = 30 * 24 * time.Hour
	ProfileMaturityMinCount = 10
)

// User segments, in classification precedence order.
const (
	SegmentDormantReactivated = "dormant_reactivated"
	SegmentNewAccount         = "new_account"
	SegmentHighValueTrader    = "high_value_trader"
	SegmentOccasionalUser     = "occasional_user"
	SegmentRetailConsumer     = "retail_consumer"
)

// NewBehavioralProfile returns an empty profile for a user with the hour/day
// distributions pre-sized.
func NewBehavioralProfile(tenantID, userID string, now time.Time) *BehavioralProfile {
	return &BehavioralProfile{
		UserID:       userID,
		TenantID:     tenantID,
		TypicalHours: make([]float64, 24),
		TypicalDays:  make([]float64, 7),
		Segment:      SegmentNewAccount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Mature reports whether the profile meets the establishment criteria:
// at least 30 days old and at least 10 scored transactions.
func (p *BehavioralProfile) Mature(now time.Time) bool {
	if p.FirstTransactionAt.IsZero() {
		return false
	}
	return now.Sub(p.FirstTransactionAt) >= ProfileMaturityAge &&
		p.TotalTransactionCount >= ProfileMaturityMinCount
}

// TrustsDevice reports whether the fingerprint hash is in the trusted set.
func (p *BehavioralProfile) TrustsDevice(hash string) bool {
	for _, d := range p.TrustedDevices {
		if d == hash {
			return true
		}
	}
	return false
}

// KnowsCountry reports whether the country has been seen on an allowed
// transaction before.
func (p *BehavioralProfile) KnowsCountry(country string) bool {
	for _, c := range p.UsualCountries {
		if c == country {
			return true
		}
	}
	return false
}

// KnowsRecipient reports whether the counterparty has been paid before.
func (p *BehavioralProfile) KnowsRecipient(id string) bool {
	for _, r := range p.KnownRecipients {
		if r == id {
			return true
		}
	}
	return false
}

// EnsureDistributions normalizes the hour/day arrays to their fixed lengths
// after a round-trip through storage.
func (p *BehavioralProfile) EnsureDistributions() {
	if len(p.TypicalHours) != 24 {
		h := make([]float64, 24)
		copy(h, p.TypicalHours)
		p.TypicalHours = h
	}
	if len(p.TypicalDays) != 7 {
		d := make([]float64, 7)
		copy(d, p.TypicalDays)
		p.TypicalDays = d
	}
}
