// Package config loads queue and worker tuning from environment
// variables, in the teacher's getEnv/getEnvAsX style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relaygo/bullq/internal/logger"
)

// Config holds process-wide configuration for a bullq worker or
// producer binary.
type Config struct {
	// RedisURL is the connection URL for the Redis-compatible store.
	RedisURL string
	// QueueName is the name this process's queue is mounted under.
	QueueName string
	// Logging configures the tiered logger.
	Logging *logger.Config
}

// LoadConfig loads Config from the environment with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379"),
		QueueName: getEnv("QUEUE_NAME", "default"),
		Logging:   loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QUEUE_NAME cannot be empty")
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// WorkerConfig holds the dispatch loop tuning for a worker process.
type WorkerConfig struct {
	// Concurrency is the number of independent dispatch-loop goroutines
	// this process runs against the queue.
	Concurrency int
	// ForceSequentialProcessing, when true, awaits each job before
	// fetching the next — a single in-flight job per dispatch loop.
	// When false, each job runs as an independent goroutine and the
	// loop proceeds immediately to fetch another.
	ForceSequentialProcessing bool
}

// LoadWorkerConfig loads WorkerConfig from the environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Concurrency:               getEnvAsInt("WORKER_CONCURRENCY", 5),
		ForceSequentialProcessing: getEnvAsBool("FORCE_SEQUENTIAL_PROCESSING", false),
	}

	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.Concurrency > 1000 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY too high: %d (maximum 1000)", cfg.Concurrency)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/bullq/bullq.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
