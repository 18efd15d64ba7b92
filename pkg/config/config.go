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
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port        string
	Environment string
	InstanceID  string // distinguishes nodes on the pub/sub backplane
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds event bus configuration
type NATSConfig struct {
	URL        string
	StreamName string
}

// JWTConfig holds socket authentication configuration
type JWTConfig struct {
	Secret     string
	Expiration int // in hours

	// Keyring published by the identity service; empty keeps the static
	// secret only.
	KeyringFile       string
	KeyRefreshMinutes int
}

// DispatchConfig holds the dispatch pipeline tuning knobs. Defaults follow
// the platform contract and apply when the environment is silent.
type DispatchConfig struct {
	RadiiKm              []float64
	RetryRadiiKm         []float64
	MaxCandidates        int
	AcceptLockTTL        time.Duration
	WorkerLockTTL        time.Duration
	PresenceTTL          time.Duration
	AutoCancelTimeout    time.Duration
	AutoCancelInterval   time.Duration
	WorkerConcurrency    int
	SweeperBatchSize     int
	EnqueueRetryAttempts int
	EnqueueRetryBase     time.Duration
}

// GatewayConfig holds payment gateway settings
type GatewayConfig struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// RateLimitConfig holds rate limiting configuration. Each scope carries its
// own window; counters always expire with the declared window.
type RateLimitConfig struct {
	Enabled bool
	Prefix  string
	Scopes  map[string]ScopeRule
}

// ScopeRule defines the limit for one rate-limit scope.
type ScopeRule struct {
	Limit  int
	Window time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			InstanceID:  getEnv("INSTANCE_ID", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName: getEnv("NATS_STREAM", "DISPATCH"),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Expiration:        getEnvAsInt("JWT_EXPIRATION", 24),
			KeyringFile:       getEnv("JWT_KEYRING_FILE", ""),
			KeyRefreshMinutes: getEnvAsInt("JWT_KEY_REFRESH_MINUTES", 5),
		},
		Dispatch: DispatchConfig{
			RadiiKm:              getEnvAsFloats("DISPATCH_RADII_KM", []float64{3, 6, 9, 12, 15, 20}),
			RetryRadiiKm:         getEnvAsFloats("DISPATCH_RETRY_RADII_KM", []float64{15, 20, 25}),
			MaxCandidates:        getEnvAsInt("DISPATCH_MAX_CANDIDATES", 20),
			AcceptLockTTL:        time.Duration(getEnvAsInt("ACCEPT_LOCK_TTL_SEC", 15)) * time.Second,
			WorkerLockTTL:        time.Duration(getEnvAsInt("WORKER_LOCK_TTL_SEC", 30)) * time.Second,
			PresenceTTL:          time.Duration(getEnvAsInt("DRIVER_PRESENCE_TTL_SEC", 60)) * time.Second,
			AutoCancelTimeout:    time.Duration(getEnvAsInt("RIDE_AUTO_CANCEL_TIMEOUT_MINUTES", 5)) * time.Minute,
			AutoCancelInterval:   time.Duration(getEnvAsInt("RIDE_AUTO_CANCEL_CHECK_INTERVAL_MINUTES", 2)) * time.Minute,
			WorkerConcurrency:    getEnvAsInt("DISPATCH_WORKER_CONCURRENCY", 5),
			SweeperBatchSize:     getEnvAsInt("SWEEPER_BATCH_SIZE", 100),
			EnqueueRetryAttempts: 3,
			EnqueueRetryBase:     5 * time.Second,
		},
		Gateway: GatewayConfig{
			APIKey:        getEnv("GATEWAY_API_KEY", ""),
			WebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
			Timeout:       time.Duration(getEnvAsInt("GATEWAY_TIMEOUT_SEC", 10)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
			Prefix:  getEnv("RATE_LIMIT_PREFIX", "rl"),
			Scopes: map[string]ScopeRule{
				"api":    {Limit: getEnvAsInt("RATE_LIMIT_API", 120), Window: time.Minute},
				"auth":   {Limit: getEnvAsInt("RATE_LIMIT_AUTH", 10), Window: 15 * time.Minute},
				"read":   {Limit: getEnvAsInt("RATE_LIMIT_READ", 300), Window: time.Minute},
				"upload": {Limit: getEnvAsInt("RATE_LIMIT_UPLOAD", 20), Window: time.Hour},
			},
		},
	}

	if len(cfg.Dispatch.RadiiKm) == 0 {
		return nil, fmt.Errorf("DISPATCH_RADII_KM must not be empty")
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
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

func getEnvAsFloats(key string, defaultValue []float64) []float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
