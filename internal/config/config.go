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
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StripeWebhookSecret string

	// APIKeys is a comma separated list of name:role:bcrypt-hash triples.
	APIKeys []APIKey

	Ledger    LedgerConfig
	RateLimit RateLimitConfig
}

// APIKey is a configured caller credential. Only the bcrypt hash of the
// secret is kept in configuration.
type APIKey struct {
	Name string
	Role string
	Hash string
}

// LedgerConfig tunes the ledger store and coordinators.
type LedgerConfig struct {
	InitialGrant         int64
	OpTimeout            time.Duration
	RetryMaxAttempts     uint
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	DefaultListLimit     int
	MaxListLimit         int
	InflightLockTTL      time.Duration
}

// RateLimitConfig throttles metering per API key. A zero rate disables it.
type RateLimitConfig struct {
	UsageRate  float64
	UsageBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:             getenv("APP_SERVICE", "tokenledger"),
		AppVersion:          getenv("APP_VERSION", "0.1.0"),
		Environment:         getenv("ENVIRONMENT", "development"),
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:              strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:              getenv("DATABASE_HOST", "localhost"),
		DBPort:              getenv("DATABASE_PORT", "5432"),
		DBName:              getenv("DATABASE_NAME", "tokenledger"),
		DBUser:              getenv("DATABASE_USER", "postgres"),
		DBPassword:          getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:           getenv("DATABASE_SSLMODE", "disable"),
		DBPath:              getenv("DATABASE_PATH", "tokenledger.db"),
		DBMaxIdleConn:       getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:       getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:   getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:   getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:           strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:       getenv("REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("REDIS_DB", 0),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		APIKeys:             parseAPIKeys(getenv("API_KEYS", "")),
		Ledger: LedgerConfig{
			InitialGrant:         getenvInt64("LEDGER_INITIAL_GRANT", 1000),
			OpTimeout:            getenvDuration("LEDGER_OP_TIMEOUT", 5*time.Second),
			RetryMaxAttempts:     uint(getenvInt("LEDGER_RETRY_MAX_ATTEMPTS", 4)),
			RetryInitialInterval: getenvDuration("LEDGER_RETRY_INITIAL_INTERVAL", 25*time.Millisecond),
			RetryMaxInterval:     getenvDuration("LEDGER_RETRY_MAX_INTERVAL", time.Second),
			DefaultListLimit:     getenvInt("LEDGER_DEFAULT_LIST_LIMIT", 50),
			MaxListLimit:         getenvInt("LEDGER_MAX_LIST_LIMIT", 500),
			InflightLockTTL:      getenvDuration("SETTLEMENT_INFLIGHT_LOCK_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			UsageRate:  getenvFloat("RATE_LIMIT_USAGE_RATE", 0),
			UsageBurst: getenvInt("RATE_LIMIT_USAGE_BURST", 20),
		},
	}

	return cfg
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func parseAPIKeys(raw string) []APIKey {
	parts := strings.Split(raw, ",")
	out := make([]APIKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.SplitN(p, ":", 3)
		if len(fields) != 3 {
			continue
		}
		key := APIKey{
			Name: strings.TrimSpace(fields[0]),
			Role: strings.ToLower(strings.TrimSpace(fields[1])),
			Hash: strings.TrimSpace(fields[2]),
		}
		if key.Name == "" || key.Role == "" || key.Hash == "" {
			continue
		}
		out = append(out, key)
	}
	return out
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
