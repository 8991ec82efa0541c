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
	Colo        string

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

	// Embedded per-actor store. Empty path means in-memory.
	ActorStorePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr string

	Actor     ActorConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
}

// ActorConfig controls the per-customer actor host.
type ActorConfig struct {
	MailboxSize     int
	FlushInterval   time.Duration
	FlushMin        time.Duration
	FlushMax        time.Duration
	BroadcastEvery  time.Duration
	LeaseTTL        time.Duration
	IdleEvictAfter  time.Duration
}

// RateLimitConfig controls the edge token buckets.
type RateLimitConfig struct {
	Enabled       bool
	ProjectRate   float64
	ProjectBurst  int
	CustomerRate  float64
	CustomerBurst int
}

// CacheConfig controls per-namespace TTLs for the tiered cache.
type CacheConfig struct {
	EntitlementTTL    time.Duration
	EntitlementSWR    time.Duration
	EntitlementsTTL   time.Duration
	NegativeTTL       time.Duration
	ACLTTL            time.Duration
	CurrentUsageTTL   time.Duration
	CurrentUsageSWR   time.Duration
	RetryAttempts     int
	RetryBaseInterval time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "unprice"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		Colo:        getenv("UNPRICE_COLO", "local"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "unprice"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		ActorStorePath: getenv("ACTOR_STORE_PATH", ""),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		Actor: ActorConfig{
			MailboxSize:    getenvInt("ACTOR_MAILBOX_SIZE", 256),
			FlushInterval:  getenvDuration("ACTOR_FLUSH_INTERVAL", 10*time.Second),
			FlushMin:       getenvDuration("ACTOR_FLUSH_MIN", 5*time.Second),
			FlushMax:       getenvDuration("ACTOR_FLUSH_MAX", 30*time.Minute),
			BroadcastEvery: getenvDuration("ACTOR_BROADCAST_EVERY", time.Second),
			LeaseTTL:       getenvDuration("ACTOR_LEASE_TTL", 30*time.Second),
			IdleEvictAfter: getenvDuration("ACTOR_IDLE_EVICT_AFTER", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			ProjectRate:   getenvFloat("RATE_LIMIT_PROJECT_RATE", 500),
			ProjectBurst:  getenvInt("RATE_LIMIT_PROJECT_BURST", 1000),
			CustomerRate:  getenvFloat("RATE_LIMIT_CUSTOMER_RATE", 100),
			CustomerBurst: getenvInt("RATE_LIMIT_CUSTOMER_BURST", 200),
		},
		Cache: CacheConfig{
			EntitlementTTL:    getenvDuration("CACHE_ENTITLEMENT_TTL", time.Minute),
			EntitlementSWR:    getenvDuration("CACHE_ENTITLEMENT_SWR", 5*time.Minute),
			EntitlementsTTL:   getenvDuration("CACHE_ENTITLEMENTS_TTL", time.Minute),
			NegativeTTL:       getenvDuration("CACHE_NEGATIVE_TTL", time.Minute),
			ACLTTL:            getenvDuration("CACHE_ACL_TTL", 5*time.Minute),
			CurrentUsageTTL:   getenvDuration("CACHE_CURRENT_USAGE_TTL", 30*time.Second),
			CurrentUsageSWR:   getenvDuration("CACHE_CURRENT_USAGE_SWR", 5*time.Minute),
			RetryAttempts:     getenvInt("CACHE_RETRY_ATTEMPTS", 3),
			RetryBaseInterval: getenvDuration("CACHE_RETRY_BASE_INTERVAL", 50*time.Millisecond),
		},
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
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
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
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
	if err != nil {
		return def
	}
	return parsed
}
