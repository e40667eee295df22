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
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Ingest    IngestConfig
	Billing   BillingConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
}

// IngestConfig bounds usage ingestion.
type IngestConfig struct {
	// MaxFutureSkew is how far an event timestamp may lie ahead of
	// server time before ingestion rejects it.
	MaxFutureSkew time.Duration
}

// BillingConfig tunes rating and cycle processing.
type BillingConfig struct {
	// PaymentTerms is added to a cycle's end date when no due date was given.
	PaymentTerms time.Duration
	// GracePeriod bounds how long cycle processing waits for straggler
	// usage records before failing or deferring them.
	GracePeriod time.Duration
	// DeferStragglers moves still-unrated in-window records to the next
	// cycle instead of failing the current one.
	DeferStragglers bool
	// TrendThreshold is the forecast slope below which a trend is STABLE.
	TrendThreshold float64
}

type RateLimitConfig struct {
	Enabled            bool
	IngestRate         float64
	IngestBurst        int
	ConcurrencyTTLSecs int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Ingest: IngestConfig{
			MaxFutureSkew: getenvDuration("INGEST_MAX_FUTURE_SKEW", 5*time.Minute),
		},
		Billing: BillingConfig{
			PaymentTerms:    getenvDuration("BILLING_PAYMENT_TERMS", 14*24*time.Hour),
			GracePeriod:     getenvDuration("CYCLE_GRACE_PERIOD", 5*time.Minute),
			DeferStragglers: getenvBool("CYCLE_DEFER_STRAGGLERS", true),
			TrendThreshold:  getenvFloat("FORECAST_TREND_THRESHOLD", 0.1),
		},
		RateLimit: RateLimitConfig{
			Enabled:            getenvBool("RATE_LIMIT_ENABLED", false),
			IngestRate:         getenvFloat("RATE_LIMIT_INGEST_RATE", 100),
			IngestBurst:        getenvInt("RATE_LIMIT_INGEST_BURST", 200),
			ConcurrencyTTLSecs: getenvInt("RATE_LIMIT_CONCURRENCY_TTL_SECONDS", 30),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil {
		return def
	}
	return parsed
}
