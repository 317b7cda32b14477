package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Ledger and attempt store drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Notification delivery modes.
const (
	NotifyInline = "inline"
	NotifyQueue  = "queue"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	DBMaxConns         int
	AutoMigrate        bool
	CORSAllowedOrigins []string
	BodyLimitBytes     int64
	SecurityHeaders    bool
	TrustForwardedTLS  bool

	LedgerDriver       string
	AttemptStore       string
	PaymentMerchantKey string
	PaymentSalt        string
	WebhookMaxAttempts int

	ReconcileMaxRetries int
	ReconcileRetryBase  time.Duration

	RedirectSuccessURL string
	RedirectFailureURL string

	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	NotifyEmailFrom     string
	NotifyEmailEnabled  bool
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	NotifyMode          string
	NotifyTimeout       time.Duration
	NotifyQueueName     string
	NotifyMaxRetry      int
	NotifyReplayTTL     time.Duration
	WorkerConcurrency   int

	OutboundTimeout          time.Duration
	RetryMaxAttempts         int
	RetryBase                time.Duration
	RetryJitterPercent       float64
	CircuitNotifyMinReq      int
	CircuitNotifyFailureRate float64
	CircuitNotifyOpenFor     time.Duration

	RateLimitWebhookPerMin int
	RateLimitPublicPerMin  int

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsEnabled   bool
	MetricsBucketsMS string
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	TracingSampling  float64
	PprofEnabled     bool
	PprofUser        string
	PprofPass        string

	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "5052"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		DBMaxConns:         parseInt(k.String("DB_MAX_CONNS"), 0),
		AutoMigrate:        parseBoolDefault(k.String("DB_AUTO_MIGRATE"), true),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("SECURE_BODY_LIMIT_BYTES"), 1<<20)),
		SecurityHeaders:    parseBoolDefault(k.String("SECURE_HEADERS_ENABLED"), true),
		TrustForwardedTLS:  parseBoolDefault(k.String("SECURE_TRUST_FORWARDED_PROTO"), false),

		LedgerDriver:       strings.ToLower(valueOrDefault(k.String("LEDGER_DRIVER"), DriverPostgres)),
		AttemptStore:       strings.ToLower(valueOrDefault(k.String("ATTEMPT_STORE"), DriverPostgres)),
		PaymentMerchantKey: strings.TrimSpace(k.String("PAYMENT_MERCHANT_KEY")),
		PaymentSalt:        k.String("PAYMENT_SALT"),
		WebhookMaxAttempts: parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 3),

		ReconcileMaxRetries: parseInt(k.String("RECONCILE_MAX_RETRIES"), 4),
		ReconcileRetryBase:  parseDuration(k.String("RECONCILE_RETRY_BASE"), "20ms"),

		RedirectSuccessURL: valueOrDefault(k.String("REDIRECT_SUCCESS_URL"), "https://www.thefost.com/"),
		RedirectFailureURL: valueOrDefault(k.String("REDIRECT_FAILURE_URL"), "https://www.thefost.com/"),

		SMTPHost:            valueOrDefault(k.String("SMTP_HOST"), "smtp.gmail.com"),
		SMTPPort:            parseInt(k.String("SMTP_PORT"), 587),
		SMTPUsername:        k.String("SMTP_USERNAME"),
		SMTPPassword:        k.String("SMTP_PASSWORD"),
		NotifyEmailFrom:     strings.TrimSpace(k.String("NOTIFY_EMAIL_FROM")),
		NotifyEmailEnabled:  parseBoolDefault(k.String("NOTIFY_EMAIL_ENABLED"), true),
		NotifyWebhookURL:    strings.TrimSpace(k.String("NOTIFY_WEBHOOK_URL")),
		NotifyWebhookSecret: k.String("NOTIFY_WEBHOOK_SECRET"),
		NotifyMode:          strings.ToLower(valueOrDefault(k.String("NOTIFY_MODE"), NotifyInline)),
		NotifyTimeout:       parseDuration(k.String("NOTIFY_TIMEOUT"), "10s"),
		NotifyQueueName:     valueOrDefault(k.String("NOTIFY_QUEUE"), "notify"),
		NotifyMaxRetry:      parseInt(k.String("NOTIFY_MAX_RETRY"), 5),
		NotifyReplayTTL:     parseDuration(k.String("NOTIFY_REPLAY_TTL"), "24h"),
		WorkerConcurrency:   parseInt(k.String("WORKER_CONCURRENCY"), 10),

		OutboundTimeout:          parseDuration(k.String("OUTBOUND_TIMEOUT"), "5s"),
		RetryMaxAttempts:         parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:                parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitterPercent:       parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitNotifyMinReq:      parseInt(k.String("CIRCUIT_NOTIFY_MIN_REQ"), 10),
		CircuitNotifyFailureRate: parseFloat(k.String("CIRCUIT_NOTIFY_FAILURE_RATE"), 0.5),
		CircuitNotifyOpenFor:     parseDuration(k.String("CIRCUIT_NOTIFY_OPEN_FOR"), "30s"),

		RateLimitWebhookPerMin: parseInt(k.String("RATE_LIMIT_WEBHOOK_PER_MIN"), 300),
		RateLimitPublicPerMin:  parseInt(k.String("RATE_LIMIT_PUBLIC_PER_MIN"), 60),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "payconfirm"),
		MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsBucketsMS: k.String("OBS_METRICS_BUCKETS_MS"),
		TracingEnabled:   parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:     k.String("OBS_OTLP_ENDPOINT"),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		PprofEnabled:     parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),

		HealthDBTimeout:    time.Duration(parseInt(k.String("HEALTH_READY_DB_TIMEOUT_MS"), 500)) * time.Millisecond,
		HealthRedisTimeout: time.Duration(parseInt(k.String("HEALTH_READY_REDIS_TIMEOUT_MS"), 300)) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("LEDGER_DRIVER must be postgres or memory, got %q", c.LedgerDriver)
	}
	switch c.AttemptStore {
	case DriverPostgres, DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("ATTEMPT_STORE must be postgres, redis or memory, got %q", c.AttemptStore)
	}
	switch c.NotifyMode {
	case NotifyInline, NotifyQueue:
	default:
		return fmt.Errorf("NOTIFY_MODE must be inline or queue, got %q", c.NotifyMode)
	}
	if c.PaymentSalt == "" {
		return errors.New("PAYMENT_SALT is required")
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if (c.AttemptStore == DriverRedis || c.NotifyMode == NotifyQueue) && c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.WebhookMaxAttempts <= 0 {
		return errors.New("WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// NeedsDatabase reports whether any configured store is backed by Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.LedgerDriver == DriverPostgres || c.AttemptStore == DriverPostgres
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "5052"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// EmailFrom is the sender address for outgoing mail.
func (c *Config) EmailFrom() string {
	if c.NotifyEmailFrom != "" {
		return c.NotifyEmailFrom
	}
	return c.SMTPUsername
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
