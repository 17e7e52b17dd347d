package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPPort    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CronSecret    string
	WebhookSecret string

	SMTP    SMTPConfig
	Gateway GatewayConfig

	Scheduler SchedulerConfig
	Webhook   WebhookConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// GatewayConfig points at the payment gateway's charge API. An empty
// BaseURL disables auto-debit.
type GatewayConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// SchedulerConfig controls the in-process job driver. The HTTP cron
// endpoints share the batch settings.
type SchedulerConfig struct {
	Enabled            bool
	TickInterval       time.Duration
	BatchSize          int
	TenantTimeout      time.Duration
	RunBudget          time.Duration
	JobTimeout         time.Duration
	Concurrency        int
	BillingCycleJob    bool
	GraceEnforceJob    bool
	GraceReminderJob   bool
	PaymentRetryJob    bool
	IdempotencyGCJob   bool
	StaleLockJob       bool
	DistributedLockTTL time.Duration
}

type WebhookConfig struct {
	RateLimitPerSecond int
	RateLimitBurst     int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "settlement"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Mode:        normalizeMode(getenv("APP_MODE", ModeOSS)),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPPort:    getenv("PORT", "8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "settlement"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "settlement.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		CronSecret:    strings.TrimSpace(getenv("CRON_SECRET", "")),
		WebhookSecret: strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),

		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "billing@localhost"),
		},
		Gateway: GatewayConfig{
			Provider: strings.ToLower(strings.TrimSpace(getenv("GATEWAY_PROVIDER", "gateway"))),
			BaseURL:  strings.TrimRight(strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")), "/"),
			APIKey:   getenv("GATEWAY_API_KEY", ""),
			Timeout:  getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		},

		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			TickInterval:       getenvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			BatchSize:          getenvInt("SCHEDULER_BATCH_SIZE", 100),
			TenantTimeout:      getenvDuration("SCHEDULER_TENANT_TIMEOUT", 30*time.Second),
			RunBudget:          getenvDuration("SCHEDULER_RUN_BUDGET", 4*time.Minute),
			JobTimeout:         getenvDuration("SCHEDULER_JOB_TIMEOUT", 5*time.Minute),
			Concurrency:        getenvInt("SCHEDULER_CONCURRENCY", 4),
			BillingCycleJob:    getenvBool("SCHEDULER_BILLING_CYCLE", true),
			GraceEnforceJob:    getenvBool("SCHEDULER_GRACE_ENFORCEMENT", true),
			GraceReminderJob:   getenvBool("SCHEDULER_GRACE_REMINDERS", true),
			PaymentRetryJob:    getenvBool("SCHEDULER_PAYMENT_RETRY", true),
			IdempotencyGCJob:   getenvBool("SCHEDULER_IDEMPOTENCY_GC", true),
			StaleLockJob:       getenvBool("SCHEDULER_STALE_LOCKS", true),
			DistributedLockTTL: getenvDuration("SCHEDULER_DISTRIBUTED_LOCK_TTL", 10*time.Minute),
		},
		Webhook: WebhookConfig{
			RateLimitPerSecond: getenvInt("WEBHOOK_RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     getenvInt("WEBHOOK_RATE_LIMIT_BURST", 100),
		},
	}

	return cfg
}

const (
	ModeOSS   = "oss"
	ModeCloud = "cloud"
)

const EnvironmentProduction = "production"

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

// IsProduction reports whether invariant violations should be tolerated
// instead of failing the operation.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
