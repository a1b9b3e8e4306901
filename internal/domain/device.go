package domain

import "time"

// DeviceData is the raw device attributes captured with a transaction.
type DeviceData struct {
	DeviceID         string   `json:"deviceId,omitempty"`
	UserAgent        string   `json:"userAgent,omitempty"`
	ScreenResolution string   `json:"screenResolution,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	CanvasHash       string   `json:"canvasHash,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	Plugins          []string `json:"plugins,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	ColorDepth       int      `json:"colorDepth,omitempty"`
	WebDriver        bool     `json:"webdriver,omitempty"`
	IPAddress        string   `json:"ipAddress,omitempty"`
}

// DeviceFingerprint is the persisted device/IP identity record. Created on
// first sighting, updated on each subsequent one.
type DeviceFingerprint struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenantId"`
	FingerprintHash string `json:"fingerprintHash"`

	UserAgent        string `json:"userAgent,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	CanvasHash       string `json:"canvasHash,omitempty"`
	Platform         string `json:"platform,omitempty"`

	TrustScore float64 `json:"trustScore"` // 0-100, higher is more trusted
	SeenCount  int64   `json:"seenCount"`

	LastIP  string `json:"lastIp,omitempty"`
	IsVPN   bool   `json:"isVpn"`
	IsProxy bool   `json:"isProxy"`
	IsTor   bool   `json:"isTor"`
	Country string `json:"country,omitempty"`

	AssociatedUsers []string `json:"associatedUsers,omitempty"`

	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// AssociateUser records a user against the fingerprint, without duplicates.
func (d *DeviceFingerprint) AssociateUser(userID string) {
	if userID == "" {
		return
	}
	for _, u := range d.AssociatedUsers {
		if u == userID {
			return
		}
	}
	d.AssociatedUsers = append(d.AssociatedUsers, userID)
}

// IPIntel is the enrichment result for one IP address (cached 24h).
type IPIntel struct {
	IPAddress    string  `json:"ipAddress"`
	Country      string  `json:"country,omitempty"`
	Lat          float64 `json:"lat,omitempty"`
	Lon          float64 `json:"lon,omitempty"`
	IsVPN        bool    `json:"isVpn"`
	IsProxy      bool    `json:"isProxy"`
	IsTor        bool    `json:"isTor"`
	ProviderRisk float64 `json:"providerRisk"` // 0-100 from the reputation provider
}

// IPIntelLookup resolves geolocation and reputation flags for an IP.
// Implementations live outside the core; results are cached per IP.
type IPIntelLookup interface {
	Lookup(ip string) (*IPIntel, error)
}

// Device recommendations, from most to least restrictive.
const (
	RecommendBlock   = "block_transaction"
	RecommendVerify  = "require_additional_verification"
	RecommendMonitor = "monitor_closely"
	RecommendProceed = "proceed_normally"
)

// DeviceAnalysis is the risk assessment for a device.
type DeviceAnalysis struct {
	RiskScore      float64  `json:"riskScore"` // 0-100
	RiskFactors    []string `json:"riskFactors,omitempty"`
	Recommendation string   `json:"recommendation"`
	IsNewDevice    bool     `json:"isNewDevice"`
}

// IPAssessment is the reputation assessment for an IP address.
type IPAssessment struct {
	RiskScore float64            `json:"riskScore"` // 0-100
	Flags     []string           `json:"flags,omitempty"`
	Details   map[string]float64 `json:"details,omitempty"`
}
