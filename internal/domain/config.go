package domain

import "time"

// Config holds the complete Talon configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier selects infrastructure defaults
	Tier Tier `json:"tier" env:"TALON_TIER"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Settlement core
	Payment   PaymentConfig   `json:"payment"`
	Risk      RiskConfig      `json:"risk"`
	Crypto    CryptoConfig    `json:"crypto"`
	Providers ProvidersConfig `json:"providers"`
	Worker    WorkerConfig    `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"TALON_HOST"`
	Port         int    `json:"port" env:"TALON_PORT"`
	ReadTimeout  int    `json:"readTimeout" env:"TALON_READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"TALON_WRITE_TIMEOUT"` // seconds

	// AllowedOrigins restricts CORS; empty allows any origin without credentials.
	AllowedOrigins []string `json:"allowedOrigins" env:"TALON_ALLOWED_ORIGINS" envSeparator:","`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"TALON_LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"TALON_LOG_FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" env:"TALON_TRACING_ENABLED"`
	ServiceName string `json:"serviceName" env:"TALON_SERVICE_NAME"`
}

// RetryConfig bounds provider retries. Delay doubles per attempt up to MaxDelay.
type RetryConfig struct {
	MaxAttempts int           `json:"maxAttempts" env:"TALON_RETRY_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `json:"baseDelay" env:"TALON_RETRY_BASE_DELAY"`
	MaxDelay    time.Duration `json:"maxDelay" env:"TALON_RETRY_MAX_DELAY"`
	Jitter      bool          `json:"jitter" env:"TALON_RETRY_JITTER"`
}

// PaymentConfig holds orchestrator settings.
type PaymentConfig struct {
	Retry          RetryConfig   `json:"retry"`
	CallTimeout    time.Duration `json:"callTimeout" env:"TALON_PROVIDER_CALL_TIMEOUT"`
	IdempotencyTTL time.Duration `json:"idempotencyTtl" env:"TALON_IDEMPOTENCY_TTL"`
	FXRateTTL      time.Duration `json:"fxRateTtl" env:"TALON_FX_RATE_TTL"`

	// FXRates overrides units-per-USD, e.g. "EUR=0.92,GBP=0.79".
	FXRates []string `json:"fxRates" env:"TALON_FX_RATES" envSeparator:","`
}

// RiskConfig holds signal thresholds for the built-in detectors.
type RiskConfig struct {
	VelocityWindow       time.Duration `json:"velocityWindow" env:"TALON_RISK_VELOCITY_WINDOW"`
	VelocityThreshold    int64         `json:"velocityThreshold" env:"TALON_RISK_VELOCITY_THRESHOLD"`
	GeoRiskThreshold     float64       `json:"geoRiskThreshold" env:"TALON_RISK_GEO_THRESHOLD"`
	FailedLoginWindow    time.Duration `json:"failedLoginWindow" env:"TALON_RISK_FAILED_LOGIN_WINDOW"`
	FailedLoginThreshold int64         `json:"failedLoginThreshold" env:"TALON_RISK_FAILED_LOGIN_THRESHOLD"`
	RequestRateLimit     int64         `json:"requestRateLimit" env:"TALON_RISK_REQUEST_RATE_LIMIT"` // per minute
	DeviceMemory         time.Duration `json:"deviceMemory" env:"TALON_RISK_DEVICE_MEMORY"`
	MaxWorkers           int           `json:"maxWorkers" env:"TALON_RISK_MAX_WORKERS"`

	// GeoScores overrides country risk scores, e.g. "XX=0.9,YY=0.2".
	GeoScores []string `json:"geoScores" env:"TALON_RISK_GEO_SCORES" envSeparator:","`
}

// CryptoConfig holds envelope encryption and key lifecycle settings.
type CryptoConfig struct {
	// MasterKey is base64 encoded 32 bytes. Required outside development.
	MasterKey        string        `json:"-" env:"TALON_MASTER_KEY"`
	KDFIterations    int           `json:"kdfIterations" env:"TALON_KDF_ITERATIONS"`
	RotationInterval time.Duration `json:"rotationInterval" env:"TALON_KEY_ROTATION_INTERVAL"`
	RetentionWindow  time.Duration `json:"retentionWindow" env:"TALON_KEY_RETENTION_WINDOW"`
}

// ProvidersConfig configures the adapter registry and routing preferences.
type ProvidersConfig struct {
	// Order is the default preference order.
	Order []string `json:"order" env:"TALON_PROVIDER_ORDER" envSeparator:","`

	// TenantRoutes entries look like "tenant-a=p2,p1".
	TenantRoutes []string `json:"tenantRoutes" env:"TALON_TENANT_ROUTES" envSeparator:";"`

	// Sandbox providers are in-process and always capable.
	Sandbox       []string `json:"sandbox" env:"TALON_SANDBOX_PROVIDERS" envSeparator:","`
	SandboxSecret string   `json:"-" env:"TALON_SANDBOX_WEBHOOK_SECRET"`

	// HTTP lists provider ids configured through TALON_PROVIDER_<ID>_* variables.
	HTTP        []string             `json:"http" env:"TALON_HTTP_PROVIDERS" envSeparator:","`
	HTTPConfigs []HTTPProviderConfig `json:"-"`

	SignatureTolerance time.Duration `json:"signatureTolerance" env:"TALON_SIGNATURE_TOLERANCE"`
}

// HTTPProviderConfig configures one REST settlement provider.
type HTTPProviderConfig struct {
	ID            string   `json:"id"`
	BaseURL       string   `json:"baseUrl" env:"URL"`
	APIKey        string   `json:"-" env:"API_KEY"`
	WebhookSecret string   `json:"-" env:"WEBHOOK_SECRET"`
	Currencies    []string `json:"currencies" env:"CURRENCIES" envSeparator:","`
	Methods       []string `json:"methods" env:"METHODS" envSeparator:","`
}

// WorkerConfig holds background job settings.
type WorkerConfig struct {
	Enabled       bool          `json:"enabled" env:"TALON_WORKER_ENABLED"`
	SweepInterval time.Duration `json:"sweepInterval" env:"TALON_WORKER_SWEEP_INTERVAL"`
	// WebhookGrace is how long a webhook may sit in received before the
	// sweep replays it.
	WebhookGrace time.Duration `json:"webhookGrace" env:"TALON_WORKER_WEBHOOK_GRACE"`
	SweepBatch   int           `json:"sweepBatch" env:"TALON_WORKER_SWEEP_BATCH"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
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
			SQLitePath: "./talon.db",
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
		Payment: PaymentConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Jitter:      true,
			},
			CallTimeout:    10 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
			FXRateTTL:      time.Hour,
		},
		Risk: RiskConfig{
			VelocityWindow:       time.Hour,
			VelocityThreshold:    5,
			GeoRiskThreshold:     0.7,
			FailedLoginWindow:    15 * time.Minute,
			FailedLoginThreshold: 5,
			RequestRateLimit:     60,
			DeviceMemory:         90 * 24 * time.Hour,
			MaxWorkers:           10,
		},
		Crypto: CryptoConfig{
			KDFIterations:    100000,
			RotationInterval: 30 * 24 * time.Hour,
			RetentionWindow:  90 * 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Order:              []string{"sandbox"},
			Sandbox:            []string{"sandbox"},
			SignatureTolerance: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Enabled:       true,
			SweepInterval: time.Hour,
			WebhookGrace:  10 * time.Minute,
			SweepBatch:    100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "talon",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "talon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		RedisPoolSize:  50,
		RedisTimeout:   3 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "talon-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
