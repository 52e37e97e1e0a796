package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Storage backends for token buckets.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Tier policy sources.
const (
	PolicyPostgres = "postgres"
	PolicyFile     = "file"
)

// Tier caches.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only when a
// Postgres-backed component is selected.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	// Tracing: fraction of root spans sampled, 0 disables
	TraceSampleRatio float64

	// Database
	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	RunMigrations  bool
	MigrationsPath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Component selection
	StoreBackend string
	PolicySource string
	TiersFile    string
	TierCache    string
	TierCacheTTL time.Duration

	// Global bucket shared by every tenant
	GlobalCapacity        float64
	GlobalRefillPerSecond float64

	// Sender bucket floors applied after warm-up scaling
	SenderMinCapacity float64
	SenderMinRefill   float64

	// Sender health
	SuccessReward      float64
	TransientPenalty   float64
	PermanentPenalty   float64
	FairThreshold      float64
	PoorThreshold      float64
	BreakerThreshold   int
	CooldownDuration   time.Duration
	SuspendAfterBreaks int
	SuspendDuration    time.Duration

	// Gate
	MinDelay       time.Duration
	PausedMinWait  time.Duration
	FailurePolicy  string
	FailOpenDelay  time.Duration
	FailClosedWait time.Duration

	// Storage circuit breaker
	StoreBreakerFailures int
	StoreBreakerTimeout  time.Duration

	// Throttle event log
	EventBufferSize    int
	EventBatchSize     int
	EventFlushInterval time.Duration
	EventRetention     time.Duration
	EventPruneSchedule string

	// Bucket garbage collection
	BucketIdleTTL    time.Duration
	BucketGCSchedule string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		TraceSampleRatio: getFloat("TRACE_SAMPLE_RATIO", 0.01),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:     int32(getInt("DB_MIN_CONNS", 5)),
		RunMigrations:  getBool("RUN_MIGRATIONS", true),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		StoreBackend: getEnv("STORE_BACKEND", BackendPostgres),
		PolicySource: getEnv("POLICY_SOURCE", PolicyPostgres),
		TiersFile:    os.Getenv("TIERS_FILE"),
		TierCache:    getEnv("TIER_CACHE", CacheMemory),
		TierCacheTTL: getDuration("TIER_CACHE_TTL", 5*time.Minute),

		GlobalCapacity:        getFloat("GLOBAL_BUCKET_CAPACITY", 1000),
		GlobalRefillPerSecond: getFloat("GLOBAL_BUCKET_REFILL_PER_SECOND", 100),

		SenderMinCapacity: getFloat("SENDER_MIN_CAPACITY", 1),
		SenderMinRefill:   getFloat("SENDER_MIN_REFILL_PER_SECOND", 1.0/60),

		SuccessReward:      getFloat("HEALTH_SUCCESS_REWARD", 1),
		TransientPenalty:   getFloat("HEALTH_TRANSIENT_PENALTY", 5),
		PermanentPenalty:   getFloat("HEALTH_PERMANENT_PENALTY", 15),
		FairThreshold:      getFloat("HEALTH_FAIR_THRESHOLD", 70),
		PoorThreshold:      getFloat("HEALTH_POOR_THRESHOLD", 50),
		BreakerThreshold:   getInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CooldownDuration:   getDuration("CIRCUIT_BREAKER_COOLDOWN", 30*time.Minute),
		SuspendAfterBreaks: getInt("SUSPEND_AFTER_BREAKS", 3),
		SuspendDuration:    getDuration("SUSPEND_DURATION", 24*time.Hour),

		MinDelay:       getDuration("MIN_DELAY", 100*time.Millisecond),
		PausedMinWait:  getDuration("PAUSED_MIN_WAIT", time.Minute),
		FailurePolicy:  getEnv("FAILURE_POLICY", "open"),
		FailOpenDelay:  getDuration("FAIL_OPEN_DELAY", 3*time.Second),
		FailClosedWait: getDuration("FAIL_CLOSED_WAIT", 30*time.Second),

		StoreBreakerFailures: getInt("STORE_BREAKER_FAILURES", 5),
		StoreBreakerTimeout:  getDuration("STORE_BREAKER_TIMEOUT", 10*time.Second),

		EventBufferSize:    getInt("EVENT_BUFFER_SIZE", 4096),
		EventBatchSize:     getInt("EVENT_BATCH_SIZE", 200),
		EventFlushInterval: getDuration("EVENT_FLUSH_INTERVAL", time.Second),
		EventRetention:     getDuration("EVENT_RETENTION", 30*24*time.Hour),
		EventPruneSchedule: getEnv("EVENT_PRUNE_SCHEDULE", "15 3 * * *"),

		BucketIdleTTL:    getDuration("BUCKET_IDLE_TTL", 24*time.Hour),
		BucketGCSchedule: getEnv("BUCKET_GC_SCHEDULE", "*/10 * * * *"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NeedsDatabase reports whether any selected component is Postgres-backed.
// Sender status, campaigns and the event log share the database whenever
// one is configured.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.PolicySource == PolicyPostgres
}

// NeedsRedis reports whether any selected component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.StoreBackend == BackendRedis || c.TierCache == CacheRedis
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, redis or postgres, got %q", c.StoreBackend)
	}
	switch c.PolicySource {
	case PolicyPostgres:
	case PolicyFile:
		if c.TiersFile == "" {
			return fmt.Errorf("TIERS_FILE is required when POLICY_SOURCE=file")
		}
	default:
		return fmt.Errorf("POLICY_SOURCE must be postgres or file, got %q", c.PolicySource)
	}
	switch c.TierCache {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("TIER_CACHE must be memory or redis, got %q", c.TierCache)
	}
	if c.FailurePolicy != "open" && c.FailurePolicy != "closed" {
		return fmt.Errorf("FAILURE_POLICY must be open or closed, got %q", c.FailurePolicy)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PoorThreshold > c.FairThreshold {
		return fmt.Errorf("HEALTH_POOR_THRESHOLD (%v) must not exceed HEALTH_FAIR_THRESHOLD (%v)", c.PoorThreshold, c.FairThreshold)
	}
	if c.BreakerThreshold <= 0 || c.SuspendAfterBreaks <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD and SUSPEND_AFTER_BREAKS must be positive")
	}
	if c.StoreBreakerFailures <= 0 || c.StoreBreakerTimeout <= 0 {
		return fmt.Errorf("STORE_BREAKER_FAILURES and STORE_BREAKER_TIMEOUT must be positive")
	}
	if c.GlobalCapacity <= 0 || c.GlobalRefillPerSecond <= 0 {
		return fmt.Errorf("global bucket capacity and refill must be positive")
	}
	if c.SenderMinCapacity <= 0 || c.SenderMinRefill <= 0 {
		return fmt.Errorf("sender bucket floors must be positive")
	}
	for key, spec := range map[string]string{
		"EVENT_PRUNE_SCHEDULE": c.EventPruneSchedule,
		"BUCKET_GC_SCHEDULE":   c.BucketGCSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, spec, err)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
