package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Ticket integrity
	SigningSecret   string
	OverridePINHash string

	// Store
	StoreTxMaxRetries int

	// Check-in timing
	ScanProcessingTimeout time.Duration
	GateCommandTimeout    time.Duration
	LookupBreakerTimeout  time.Duration

	// Manual entry limits
	ManualEntryLimit  int
	ManualEntryWindow time.Duration

	// Background jobs
	RefundResumeInterval time.Duration
	MetricsInterval      time.Duration
	EdgeRefreshInterval  time.Duration
	EdgeMaxAge           time.Duration

	// Monitoring
	EnableMetrics bool
}

// LoadConfig reads the environment, after loading a local .env file if present.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Error loading .env file: %v", err)
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Ticket integrity
		SigningSecret:   getEnv("TICKET_SIGNING_SECRET", ""),
		OverridePINHash: getEnv("OVERRIDE_PIN_HASH", ""),

		// Store
		StoreTxMaxRetries: getEnvAsInt("STORE_TX_MAX_RETRIES", 10),

		// Timeouts
		ScanProcessingTimeout: getEnvAsDuration("SCAN_PROCESSING_TIMEOUT", "5s"),
		GateCommandTimeout:    getEnvAsDuration("GATE_COMMAND_TIMEOUT", "3s"),
		LookupBreakerTimeout:  getEnvAsDuration("LOOKUP_BREAKER_TIMEOUT", "30s"),

		// Manual entry
		ManualEntryLimit:  getEnvAsInt("MANUAL_ENTRY_LIMIT", 30),
		ManualEntryWindow: getEnvAsDuration("MANUAL_ENTRY_WINDOW", "1m"),

		// Jobs
		RefundResumeInterval: getEnvAsDuration("REFUND_RESUME_INTERVAL", "5m"),
		MetricsInterval:      getEnvAsDuration("METRICS_INTERVAL", "30s"),
		EdgeRefreshInterval:  getEnvAsDuration("EDGE_REFRESH_INTERVAL", "1m"),
		EdgeMaxAge:           getEnvAsDuration("EDGE_MAX_AGE", "30m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

// LogValue omits secrets so the config can be logged at startup.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.String("environment", c.Environment),
		slog.String("redis_url", c.RedisURL),
		slog.Int("redis_db", c.RedisDB),
		slog.Bool("signing_secret_set", c.SigningSecret != ""),
		slog.Bool("override_pin_required", c.OverridePINHash != ""),
		slog.Int("store_tx_max_retries", c.StoreTxMaxRetries),
		slog.Duration("scan_processing_timeout", c.ScanProcessingTimeout),
		slog.Duration("gate_command_timeout", c.GateCommandTimeout),
		slog.Int("manual_entry_limit", c.ManualEntryLimit),
		slog.Duration("refund_resume_interval", c.RefundResumeInterval),
		slog.Duration("edge_refresh_interval", c.EdgeRefreshInterval),
		slog.Duration("edge_max_age", c.EdgeMaxAge),
		slog.Bool("enable_metrics", c.EnableMetrics),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
