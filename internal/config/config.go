// Package config loads service configuration from environment variables and
// an optional .env file via viper, and parses the rollout definition file
// that declares flags, triggers and rollback plans.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything rolloutd needs at startup. Priority: environment
// variables over .env file over defaults.
type Config struct {
	AppEnv      string // dev, staging or prod
	HTTPAddr    string // API bind address
	MetricsAddr string // Prometheus/pprof bind address

	StoreType   string // flag persistence: memory or postgres
	DatabaseDSN string // PostgreSQL connection string

	CacheBackend  string // evaluation cache: memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration // evaluation result TTL

	MetricsBackend string // sample store: memory or influx
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string

	AuditSink  string // memory, postgres or badger
	BadgerPath string // badger directory; empty runs in-memory

	AdminAPIKey          string
	RateLimitPerIP       int // unauthenticated requests per IP per minute
	RateLimitAdminPerKey int // admin requests per key per minute

	RolloutSalt string // salt for deterministic identity bucketing

	LogLevel   string
	LogConsole bool

	TriggerInterval      time.Duration
	TriggerMaxConcurrent int

	RolloutConfigPath string // YAML file with flags, triggers and plans
	WatchConfig       bool   // reload the rollout file on change

	WebhookURL    string // notification webhook endpoint; empty disables it
	WebhookSecret string

	EvaluationDefault bool // result served for unknown flag keys

	OTELEndpoint  string // OTLP HTTP endpoint; empty disables tracing
	ShutdownGrace time.Duration

	rolloutSaltGenerated bool
}

const (
	saltByteSize        = 16
	defaultSaltFallback = "default-random-salt"
	defaultAdminKey     = "admin-dev"
)

// generateRandomSalt creates a random 16-byte hex salt. The fallback only
// shows up if the system entropy source is broken.
func generateRandomSalt() string {
	bytes := make([]byte, saltByteSize)
	if _, err := rand.Read(bytes); err != nil {
		return defaultSaltFallback
	}
	return hex.EncodeToString(bytes)
}

// Load reads configuration from the environment and an optional .env file.
// It never fails on missing values; call Validate to enforce constraints.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // optional; ignored when absent
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setDefaults(v)

	salt := v.GetString("ROLLOUT_SALT")
	generated := false
	if salt == "" {
		salt = generateRandomSalt()
		generated = true
	}

	return &Config{
		AppEnv:      v.GetString("APP_ENV"),
		HTTPAddr:    v.GetString("APP_HTTP_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),

		StoreType:   v.GetString("STORE_TYPE"),
		DatabaseDSN: v.GetString("DB_DSN"),

		CacheBackend:  v.GetString("CACHE_BACKEND"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		CacheTTL:      v.GetDuration("CACHE_TTL"),

		MetricsBackend: v.GetString("METRICS_BACKEND"),
		InfluxURL:      v.GetString("INFLUX_URL"),
		InfluxToken:    v.GetString("INFLUX_TOKEN"),
		InfluxOrg:      v.GetString("INFLUX_ORG"),
		InfluxBucket:   v.GetString("INFLUX_BUCKET"),

		AuditSink:  v.GetString("AUDIT_SINK"),
		BadgerPath: v.GetString("BADGER_PATH"),

		AdminAPIKey:          v.GetString("ADMIN_API_KEY"),
		RateLimitPerIP:       v.GetInt("RATE_LIMIT_PER_IP"),
		RateLimitAdminPerKey: v.GetInt("RATE_LIMIT_ADMIN_PER_KEY"),

		RolloutSalt:          salt,
		rolloutSaltGenerated: generated,

		LogLevel:   v.GetString("LOG_LEVEL"),
		LogConsole: v.GetBool("LOG_CONSOLE"),

		TriggerInterval:      v.GetDuration("TRIGGER_INTERVAL"),
		TriggerMaxConcurrent: v.GetInt("TRIGGER_MAX_CONCURRENT"),

		RolloutConfigPath: v.GetString("ROLLOUT_CONFIG"),
		WatchConfig:       v.GetBool("WATCH_CONFIG"),

		WebhookURL:    v.GetString("WEBHOOK_URL"),
		WebhookSecret: v.GetString("WEBHOOK_SECRET"),

		EvaluationDefault: v.GetBool("EVALUATION_DEFAULT"),

		OTELEndpoint:  v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownGrace: v.GetDuration("SHUTDOWN_GRACE"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("STORE_TYPE", "memory")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_TTL", 30*time.Second)
	v.SetDefault("METRICS_BACKEND", "memory")
	v.SetDefault("AUDIT_SINK", "memory")
	v.SetDefault("BADGER_PATH", "")
	v.SetDefault("ADMIN_API_KEY", defaultAdminKey)
	v.SetDefault("RATE_LIMIT_PER_IP", 100)
	v.SetDefault("RATE_LIMIT_ADMIN_PER_KEY", 60)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_CONSOLE", false)
	v.SetDefault("TRIGGER_INTERVAL", 30*time.Second)
	v.SetDefault("TRIGGER_MAX_CONCURRENT", 4)
	v.SetDefault("ROLLOUT_CONFIG", "")
	v.SetDefault("WATCH_CONFIG", true)
	v.SetDefault("EVALUATION_DEFAULT", false)
	v.SetDefault("SHUTDOWN_GRACE", 10*time.Second)
}

// RolloutSaltGenerated reports whether the salt came out of Load's random
// generator rather than the environment. Bucket assignments will not survive
// a restart in that case, which is fine for dev and forbidden in prod.
func (c *Config) RolloutSaltGenerated() bool { return c.rolloutSaltGenerated }

// ValidationError describes one rejected configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate enforces startup constraints. Call it once after Load and fail
// fast on error.
func (c *Config) Validate() error {
	if c.StoreType != "memory" && c.StoreType != "postgres" {
		return ValidationError{
			Field:   "STORE_TYPE",
			Message: fmt.Sprintf("must be 'memory' or 'postgres', got %q", c.StoreType),
		}
	}
	if c.StoreType == "postgres" && c.DatabaseDSN == "" {
		return ValidationError{
			Field:   "DB_DSN",
			Message: "database DSN is required when STORE_TYPE=postgres",
		}
	}

	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		return ValidationError{
			Field:   "CACHE_BACKEND",
			Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", c.CacheBackend),
		}
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return ValidationError{
			Field:   "REDIS_ADDR",
			Message: "redis address is required when CACHE_BACKEND=redis",
		}
	}
	if c.CacheTTL <= 0 {
		return ValidationError{
			Field:   "CACHE_TTL",
			Message: "cache TTL must be positive",
		}
	}

	if c.MetricsBackend != "memory" && c.MetricsBackend != "influx" {
		return ValidationError{
			Field:   "METRICS_BACKEND",
			Message: fmt.Sprintf("must be 'memory' or 'influx', got %q", c.MetricsBackend),
		}
	}
	if c.MetricsBackend == "influx" {
		if c.InfluxURL == "" || c.InfluxToken == "" || c.InfluxOrg == "" || c.InfluxBucket == "" {
			return ValidationError{
				Field:   "INFLUX_URL",
				Message: "influx URL, token, org and bucket are all required when METRICS_BACKEND=influx",
			}
		}
	}

	switch c.AuditSink {
	case "memory", "badger":
	case "postgres":
		if c.DatabaseDSN == "" {
			return ValidationError{
				Field:   "DB_DSN",
				Message: "database DSN is required when AUDIT_SINK=postgres",
			}
		}
	default:
		return ValidationError{
			Field:   "AUDIT_SINK",
			Message: fmt.Sprintf("must be 'memory', 'postgres' or 'badger', got %q", c.AuditSink),
		}
	}

	if c.HTTPAddr == "" {
		return ValidationError{
			Field:   "APP_HTTP_ADDR",
			Message: "HTTP server address cannot be empty",
		}
	}
	if c.MetricsAddr == "" {
		return ValidationError{
			Field:   "METRICS_ADDR",
			Message: "metrics server address cannot be empty",
		}
	}

	if c.TriggerInterval <= 0 {
		return ValidationError{
			Field:   "TRIGGER_INTERVAL",
			Message: "trigger interval must be positive",
		}
	}
	if c.TriggerMaxConcurrent <= 0 {
		return ValidationError{
			Field:   "TRIGGER_MAX_CONCURRENT",
			Message: "trigger concurrency must be positive",
		}
	}

	if c.RolloutSalt == "" {
		return ValidationError{
			Field:   "ROLLOUT_SALT",
			Message: "rollout salt cannot be empty, bucketing would be unstable",
		}
	}

	if c.AppEnv == "prod" || c.AppEnv == "production" {
		if c.AdminAPIKey == defaultAdminKey {
			return ValidationError{
				Field:   "ADMIN_API_KEY",
				Message: "default admin API key is not allowed in production",
			}
		}
		if c.rolloutSaltGenerated {
			return ValidationError{
				Field:   "ROLLOUT_SALT",
				Message: "set ROLLOUT_SALT explicitly in production; an auto-generated salt reshuffles buckets on every restart",
			}
		}
	}

	return nil
}
