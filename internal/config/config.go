// Package config provides environment-aware configuration management for
// the strategy runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/clmmrun/strategy-runtime/infrastructure/metrics"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// Config holds the runtime's full configuration surface.
type Config struct {
	Env Environment

	// HTTP / WebSocket
	HTTPPort      int
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Chain Gateway
	ChainRPCEndpoints   []string
	ChainNetworkMagic   uint32
	EndpointCooldownMin time.Duration
	EndpointCooldownMax time.Duration

	// Retry Coordinator
	RetryMaxAttempts    int
	RetryTransientDelay time.Duration
	RetryCleanupDelay   time.Duration

	// Strategy Scheduler
	SchedulerMaxConcurrentTicks int
	DefaultMonitoringInterval   time.Duration
	HealthCheckInterval         time.Duration

	// Position Analytics
	AnnualizationFactor float64
	BenchmarkFeedURL    string

	// Storage / logging roots
	StorageDir string
	LogRoot    string
	LogLevel   string
	LogFormat  string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Features
	EnableDebugEndpoints bool
	TestMode             bool
}

// Load loads configuration based on the RUNTIME_ENV environment variable,
// optionally overlaying a per-environment .env file.
func Load() (*Config, error) {
	envStr := os.Getenv("RUNTIME_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid RUNTIME_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var err error

	// HTTP / WebSocket
	c.HTTPPort = getIntEnv("HTTP_PORT", 8080)
	c.CORSOrigins = strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ",")
	c.ReadTimeout, err = getDurationEnv("HTTP_READ_TIMEOUT", "15s")
	if err != nil {
		return err
	}
	c.WriteTimeout, err = getDurationEnv("HTTP_WRITE_TIMEOUT", "15s")
	if err != nil {
		return err
	}
	c.ShutdownGrace, err = getDurationEnv("SHUTDOWN_GRACE", "10s")
	if err != nil {
		return err
	}

	// Chain Gateway
	c.ChainRPCEndpoints = strings.Split(getEnv("CHAIN_RPC_ENDPOINTS", "https://testnet1.neo.coz.io:443"), ",")
	magic, err := strconv.ParseUint(getEnv("CHAIN_NETWORK_MAGIC", "894710606"), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid CHAIN_NETWORK_MAGIC: %w", err)
	}
	c.ChainNetworkMagic = uint32(magic)
	c.EndpointCooldownMin, err = getDurationEnv("ENDPOINT_COOLDOWN_MIN", "2s")
	if err != nil {
		return err
	}
	c.EndpointCooldownMax, err = getDurationEnv("ENDPOINT_COOLDOWN_MAX", "60s")
	if err != nil {
		return err
	}

	// Retry Coordinator
	c.RetryMaxAttempts = getIntEnv("RETRY_MAX_ATTEMPTS", 3)
	c.RetryTransientDelay, err = getDurationEnv("RETRY_TRANSIENT_DELAY", "2s")
	if err != nil {
		return err
	}
	c.RetryCleanupDelay, err = getDurationEnv("RETRY_CLEANUP_DELAY", "30s")
	if err != nil {
		return err
	}

	// Strategy Scheduler
	c.SchedulerMaxConcurrentTicks = getIntEnv("SCHEDULER_MAX_CONCURRENT_TICKS", 10)
	c.DefaultMonitoringInterval, err = getDurationEnv("DEFAULT_MONITORING_INTERVAL", "30s")
	if err != nil {
		return err
	}
	c.HealthCheckInterval, err = getDurationEnv("HEALTH_CHECK_INTERVAL", "5m")
	if err != nil {
		return err
	}

	// Position Analytics
	annFactor := getEnv("ANNUALIZATION_FACTOR", "105120") // 365 * 24 * (60/5)
	c.AnnualizationFactor, err = strconv.ParseFloat(annFactor, 64)
	if err != nil {
		return fmt.Errorf("invalid ANNUALIZATION_FACTOR: %w", err)
	}
	c.BenchmarkFeedURL = getEnv("BENCHMARK_FEED_URL", "")

	// Storage / logging roots
	c.StorageDir = getEnv("STORAGE_DIR", "./data/instances")
	c.LogRoot = getEnv("LOG_ROOT", "./data/logs")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	// Metrics. METRICS_ENABLED uses the more permissive on/off/yes/no
	// parsing ops scripts tend to set, rather than strconv's strict
	// true/false (see infrastructure/metrics.ParseBoolFlag).
	if raw := os.Getenv("METRICS_ENABLED"); raw != "" {
		c.MetricsEnabled = metrics.ParseBoolFlag(raw)
	} else {
		c.MetricsEnabled = c.Env == Production
	}
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	// Features
	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.TestMode = getBoolEnv("TEST_MODE", false)

	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate checks invariants that matter in production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
	}

	if c.HTTPPort < 1024 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d (must be between 1024 and 65535)", c.HTTPPort)
	}
	if len(c.ChainRPCEndpoints) == 0 || c.ChainRPCEndpoints[0] == "" {
		return fmt.Errorf("CHAIN_RPC_ENDPOINTS must name at least one endpoint")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.EndpointCooldownMax < c.EndpointCooldownMin {
		return fmt.Errorf("ENDPOINT_COOLDOWN_MAX must be >= ENDPOINT_COOLDOWN_MIN")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key, defaultValue string) (time.Duration, error) {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
