// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared attempt ledger (optional, uses in-process ledger if not set)

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret  string // X-Admin-Secret for /v1/admin
	ServiceToken string // X-Service-Token for /v1/limits
	EdgeRPS      float64
	EdgeBurst    int
	CORSOrigins  []string // admin dashboard origins; empty disables CORS

	// Abuse policies
	PolicyFile         string        // YAML policy table; built-in defaults when empty
	BanDuration        time.Duration // lifetime of auto-generated bans
	BanLookupTimeout   time.Duration
	BanFailOpen        bool
	LedgerIdleTTL      time.Duration // idle buckets older than this are swept
	SweepInterval      time.Duration
	ViolationQueueSize int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultBanDuration        = 24 * time.Hour
	DefaultBanLookupTimeout   = 250 * time.Millisecond
	DefaultLedgerIdleTTL      = time.Hour
	DefaultSweepInterval      = time.Minute
	DefaultViolationQueueSize = 1024
	DefaultEdgeRPS            = 20
	DefaultEdgeBurst          = 40
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		ServiceToken:       os.Getenv("SERVICE_TOKEN"),
		EdgeRPS:            getEnvFloat("EDGE_RPS", DefaultEdgeRPS),
		EdgeBurst:          int(getEnvInt64("EDGE_BURST", DefaultEdgeBurst)),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		BanDuration:        getEnvDuration("BAN_DURATION", DefaultBanDuration),
		BanLookupTimeout:   getEnvDuration("BAN_LOOKUP_TIMEOUT", DefaultBanLookupTimeout),
		BanFailOpen:        getEnvBool("BAN_FAIL_OPEN", true),
		LedgerIdleTTL:      getEnvDuration("LEDGER_IDLE_TTL", DefaultLedgerIdleTTL),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ViolationQueueSize: int(getEnvInt64("VIOLATION_QUEUE_SIZE", DefaultViolationQueueSize)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.ServiceToken == "" {
			return fmt.Errorf("SERVICE_TOKEN is required in production")
		}
	}
	if c.BanDuration <= 0 {
		return fmt.Errorf("BAN_DURATION must be positive")
	}
	if c.BanLookupTimeout <= 0 {
		return fmt.Errorf("BAN_LOOKUP_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.LedgerIdleTTL <= 0 {
		return fmt.Errorf("LEDGER_IDLE_TTL must be positive")
	}
	if c.ViolationQueueSize <= 0 {
		return fmt.Errorf("VIOLATION_QUEUE_SIZE must be positive")
	}
	if c.EdgeRPS <= 0 || c.EdgeBurst <= 0 {
		return fmt.Errorf("EDGE_RPS and EDGE_BURST must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
