package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure backing (sqlite/channels vs
	// postgres/NATS/redis).
	Tier Tier `json:"tier"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Scoring *ScoringConfig `json:"scoring"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	TierCommunity Tier = "community"
	TierPro       Tier = "pro"
)

// ScoringConfig carries every tunable knob of the scoring pipeline. It is
// injected into each service at construction and hot-swappable as a whole;
// algorithms never read ambient global state.
type ScoringConfig struct {
	// Geolocation.
	MaxSpeedKmh          float64  `json:"maxSpeedKmh"`
	DBSCANEpsKm          float64  `json:"dbscanEpsKm"`
	DBSCANMinPoints      int      `json:"dbscanMinPoints"`
	MaxClusterDistanceKm float64  `json:"maxClusterDistanceKm"`
	HighRiskCountries    []string `json:"highRiskCountries,omitempty"`

	// Statistical tests.
	ZScoreThreshold float64 `json:"zScoreThreshold"`
	IQRMultiplier   float64 `json:"iqrMultiplier"`
	IQRMinSamples   int     `json:"iqrMinSamples"`
	Contamination   float64 `json:"contamination"`

	// Behavioral analysis.
	ThresholdSensitivity float64 `json:"thresholdSensitivity"`
	DriftThreshold       float64 `json:"driftThreshold"`

	// Velocity / burst / cross-account.
	VelocityWindows             map[string]WindowConfig `json:"velocityWindows"`
	BurstThreshold              float64                 `json:"burstThreshold"`
	CrossAccountDeviceThreshold int64                   `json:"crossAccountDeviceThreshold"`
	CrossAccountIPThreshold     int64                   `json:"crossAccountIpThreshold"`

	// Aggregation weights; must sum to 1.0.
	RuleWeight       float64 `json:"ruleWeight"`
	BehavioralWeight float64 `json:"behavioralWeight"`
	DeviceWeight     float64 `json:"deviceWeight"`
	MLWeight         float64 `json:"mlWeight"`

	// Feature toggles.
	AnomalyDetectionEnabled bool `json:"anomalyDetectionEnabled"`
	MLEnabled               bool `json:"mlEnabled"`

	// AnomalyPersistThreshold is the minimum score at which a detection is
	// persisted and published.
	AnomalyPersistThreshold float64 `json:"anomalyPersistThreshold"`

	// History bounds.
	MaxHistorySize   int           `json:"maxHistorySize"`
	HistoryRetention time.Duration `json:"historyRetention"`

	// Cache TTLs.
	VelocityTTL     time.Duration `json:"velocityTtl"`
	RuleListTTL     time.Duration `json:"ruleListTtl"`
	IPIntelTTL      time.Duration `json:"ipIntelTtl"`
	CrossAccountTTL time.Duration `json:"crossAccountTtl"`
}

// DefaultScoringConfig returns the tuned defaults for every knob.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		MaxSpeedKmh:          900, // commercial flight
		DBSCANEpsKm:          50,
		DBSCANMinPoints:      3,
		MaxClusterDistanceKm: 500,
		HighRiskCountries:    []string{"KP", "IR", "SY", "CU", "MM"},

		ZScoreThreshold: 3.0,
		IQRMultiplier:   1.5,
		IQRMinSamples:   10,
		Contamination:   0.1,

		ThresholdSensitivity: 1.5,
		DriftThreshold:       0.3,

		VelocityWindows: map[string]WindowConfig{
			"5m":  {Minutes: 5, MaxCount: 5, MaxVolume: 10000},
			"1h":  {Minutes: 60, MaxCount: 20, MaxVolume: 50000},
			"24h": {Minutes: 1440, MaxCount: 100, MaxVolume: 200000},
		},
		BurstThreshold:              3.0,
		CrossAccountDeviceThreshold: 3,
		CrossAccountIPThreshold:     5,

		RuleWeight:       0.35,
		BehavioralWeight: 0.25,
		DeviceWeight:     0.20,
		MLWeight:         0.20,

		AnomalyDetectionEnabled: true,
		MLEnabled:               true,
		AnomalyPersistThreshold: 40.0,

		MaxHistorySize:   100,
		HistoryRetention: 90 * 24 * time.Hour,

		VelocityTTL:     60 * time.Second,
		RuleListTTL:     300 * time.Second,
		IPIntelTTL:      24 * time.Hour,
		CrossAccountTTL: 120 * time.Second,
	}
}

// DefaultConfig returns a default Community-tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: DefaultScoringConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a Pro-tier configuration backed by PostgreSQL, Redis
// and NATS.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
