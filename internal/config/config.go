package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required, and
// only when the postgres store backend is selected.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Store: "postgres" or "memory" (single-process development mode)
	StoreBackend string
	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32

	// Downstream sink
	SinkBaseURL string
	SinkTimeout time.Duration

	// Claim/dispatch
	Workers        int
	ClaimMode      string // fifo | priority | ordered
	ClaimBatchSize int
	PollInterval   time.Duration
	DispatchBuffer int

	// Rate limiting: maximum deliveries per second per aggregate type
	RateLimit int

	// Background sweeps
	VisibilityTimeout  time.Duration
	VisibilityInterval time.Duration
	DLQInterval        time.Duration
	DLQMaxRetries      int

	// Queue depth gauge refresh
	StatsInterval time.Duration
}

func Load() (*Config, error) {
	backend := getEnv("STORE_BACKEND", "postgres")
	dbURL := os.Getenv("DATABASE_URL")
	if backend == "postgres" && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required with STORE_BACKEND=postgres")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		StoreBackend: backend,
		DatabaseURL:  dbURL,
		DBMaxConns:   int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:   int32(getInt("DB_MIN_CONNS", 5)),

		SinkBaseURL: getEnv("SINK_BASE_URL", "http://localhost:9090/events"),
		SinkTimeout: getDuration("SINK_TIMEOUT", 10*time.Second),

		Workers:        getInt("WORKERS", 8),
		ClaimMode:      getEnv("CLAIM_MODE", "fifo"),
		ClaimBatchSize: getInt("CLAIM_BATCH_SIZE", 50),
		PollInterval:   getDuration("POLL_INTERVAL", time.Second),
		DispatchBuffer: getInt("DISPATCH_BUFFER", 200),

		RateLimit: getInt("RATE_LIMIT_PER_TYPE", 100),

		VisibilityTimeout:  getDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		VisibilityInterval: getDuration("VISIBILITY_INTERVAL", 10*time.Second),
		DLQInterval:        getDuration("DLQ_INTERVAL", time.Minute),
		DLQMaxRetries:      getInt("DLQ_MAX_RETRIES", domain.MaxRetryCount),

		StatsInterval: getDuration("STATS_INTERVAL", 15*time.Second),
	}, nil
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

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
