package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	Env           string
	HTTPAddr      string
	StorageDriver string
	DatabaseURL   string
	AutoMigrate   bool
	RedisURL      string
	JWTSecret     string
	Admin         AdminConfig
	Orders        OrdersConfig
	Providers     ProvidersConfig
	Reconciler    ReconcilerConfig
	Schedule      ScheduleConfig
	RateLimit     RateLimitConfig
	Telegram      TelegramConfig
	S3            S3Config
	Logging       LoggingConfig
}

type AdminConfig struct {
	Login        string
	Password     string
	PasswordHash string
	// StepUpPasswordHash guards resend. Falls back to PasswordHash.
	StepUpPasswordHash string
}

type OrdersConfig struct {
	DispatchTimeout    time.Duration
	PendingGrace       time.Duration
	DispatchStaleAfter time.Duration
	FulfillmentMaxAge  time.Duration
	SweepBatch         int
}

type ProvidersConfig struct {
	HTTPTimeout time.Duration
	RPS         float64
	Burst       int
}

type ReconcilerConfig struct {
	LowThreshold   decimal.Decimal
	AccountTimeout time.Duration
	Concurrency    int
}

type ScheduleConfig struct {
	Balances string
	Catalogs string
	Sweep    string
	Expire   string
}

type RateLimitConfig struct {
	OrdersPerKey int
	OrdersPerIP  int
	Window       time.Duration
}

type TelegramConfig struct {
	Token   string
	ChatIDs []int64
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment values win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Env:           getenv("APP_ENV", "dev"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		StorageDriver: strings.ToLower(getenv("STORAGE_DRIVER", StorageDriverPostgres)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AutoMigrate:   getenvBool("AUTO_MIGRATE", false),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		Admin: AdminConfig{
			Login:              os.Getenv("ADMIN_LOGIN"),
			Password:           os.Getenv("ADMIN_PASSWORD"),
			PasswordHash:       os.Getenv("ADMIN_PASSWORD_HASH"),
			StepUpPasswordHash: os.Getenv("ADMIN_STEP_UP_PASSWORD_HASH"),
		},
		Orders: OrdersConfig{
			DispatchTimeout:    getenvDuration("ORDER_DISPATCH_TIMEOUT", 20*time.Second),
			PendingGrace:       getenvDuration("ORDER_PENDING_GRACE", 15*time.Second),
			DispatchStaleAfter: getenvDuration("ORDER_DISPATCH_STALE_AFTER", 2*time.Minute),
			FulfillmentMaxAge:  getenvDuration("ORDER_FULFILLMENT_MAX_AGE", 7*24*time.Hour),
			SweepBatch:         getenvInt("ORDER_SWEEP_BATCH", 100),
		},
		Providers: ProvidersConfig{
			HTTPTimeout: getenvDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
			RPS:         getenvFloat("PROVIDER_RPS", 5),
			Burst:       getenvInt("PROVIDER_BURST", 10),
		},
		Reconciler: ReconcilerConfig{
			LowThreshold:   getenvDecimal("BALANCE_LOW_THRESHOLD", decimal.NewFromInt(10)),
			AccountTimeout: getenvDuration("BALANCE_REFRESH_TIMEOUT", 10*time.Second),
			Concurrency:    getenvInt("BALANCE_REFRESH_CONCURRENCY", 4),
		},
		Schedule: ScheduleConfig{
			Balances: getenv("SCHEDULE_BALANCES", "@every 5m"),
			Catalogs: getenv("SCHEDULE_CATALOGS", "@every 6h"),
			Sweep:    getenv("SCHEDULE_SWEEP", "@every 1m"),
			Expire:   getenv("SCHEDULE_EXPIRE_KEYS", "@every 10m"),
		},
		RateLimit: RateLimitConfig{
			OrdersPerKey: getenvInt("RATE_ORDERS_PER_KEY", 10),
			OrdersPerIP:  getenvInt("RATE_ORDERS_PER_IP", 30),
			Window:       getenvDuration("RATE_WINDOW", time.Minute),
		},
		Telegram: TelegramConfig{
			Token:   os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatIDs: parseIDList(os.Getenv("TELEGRAM_ALERT_CHAT_IDS")),
		},
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Bucket:    os.Getenv("S3_BUCKET"),
			Prefix:    getenv("S3_PREFIX", "balance-reports"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Region:    getenv("S3_REGION", "us-east-1"),
			UseSSL:    getenvBool("S3_USE_SSL", true),
		},
		Logging: LoggingConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Reconciler.Concurrency <= 0 {
		cfg.Reconciler.Concurrency = 1
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return parsed
}

func parseIDList(val string) []int64 {
	var out []int64
	seen := make(map[int64]struct{})
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
