package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/bulk"
	"github.com/AlfredDev/surge/pool"
)

// Config holds all surge configuration values.
type Config struct {
	// Server
	Addr string
	Env  string

	// Redis (optional; empty disables meter publication)
	RedisURL string

	// Service environment. Identities without their own URL inherit
	// EnvironmentURL; every identity inherits TenantID.
	EnvironmentURL string
	TenantID       string

	// Identities in configuration order. The first is the primary.
	Identities []pool.IdentityConfig

	// Subsystem tuning
	Pool          pool.Config
	Adaptive      adaptive.Params
	Bulk          bulk.Options
	MeterInterval time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file. Identity entries come from SURGE_CONNECTIONS as
// comma-separated name=url pairs (url optional when SURGE_ENVIRONMENT_URL
// is set); credential material comes from SURGE_SECRET_<NAME>.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           getEnv("SURGE_ADDR", ":8090"),
		Env:            getEnv("ENV", "development"),
		RedisURL:       getEnv("REDIS_URL", ""),
		EnvironmentURL: getEnv("SURGE_ENVIRONMENT_URL", ""),
		TenantID:       getEnv("SURGE_TENANT_ID", ""),
		LogLevel:       getEnv("LOG_LEVEL", ""),
		MeterInterval:  getEnvDur("SURGE_METER_INTERVAL_SEC", 10*time.Second),
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxPerIdentity = getEnvInt("SURGE_MAX_PER_IDENTITY", poolCfg.MaxPerIdentity)
	poolCfg.MaxPoolSize = getEnvInt("SURGE_MAX_POOL_SIZE", poolCfg.MaxPoolSize)
	poolCfg.MinPoolSize = getEnvInt("SURGE_MIN_POOL_SIZE", poolCfg.MinPoolSize)
	poolCfg.AcquireTimeout = getEnvDur("SURGE_ACQUIRE_TIMEOUT_SEC", poolCfg.AcquireTimeout)
	poolCfg.MaxIdleTime = getEnvDur("SURGE_MAX_IDLE_TIME_SEC", poolCfg.MaxIdleTime)
	poolCfg.MaxLifetime = getEnvDur("SURGE_MAX_LIFETIME_SEC", poolCfg.MaxLifetime)
	poolCfg.EvictionInterval = getEnvDur("SURGE_EVICTION_INTERVAL_SEC", poolCfg.EvictionInterval)
	poolCfg.DisableAffinityCookie = getEnvBool("SURGE_DISABLE_AFFINITY_COOKIE", poolCfg.DisableAffinityCookie)
	strategy, err := strategyFromName(getEnv("SURGE_SELECTION_STRATEGY", "throttle_aware"))
	if err != nil {
		return nil, err
	}
	poolCfg.Strategy = strategy
	cfg.Pool = poolCfg

	params := adaptive.DefaultParams()
	params.InitialFactor = getEnvFloat("SURGE_INITIAL_FACTOR", params.InitialFactor)
	params.MinParallelism = getEnvInt("SURGE_MIN_PARALLELISM", params.MinParallelism)
	params.IncreaseStep = getEnvInt("SURGE_INCREASE_STEP", params.IncreaseStep)
	params.DecreaseFactor = getEnvFloat("SURGE_DECREASE_FACTOR", params.DecreaseFactor)
	params.StabilizationBatches = getEnvInt("SURGE_STABILIZATION_BATCHES", params.StabilizationBatches)
	params.MinIncreaseInterval = getEnvDur("SURGE_MIN_INCREASE_INTERVAL_SEC", params.MinIncreaseInterval)
	params.RecoveryMultiplier = getEnvFloat("SURGE_RECOVERY_MULTIPLIER", params.RecoveryMultiplier)
	params.LastKnownGoodTTL = getEnvDur("SURGE_LAST_KNOWN_GOOD_TTL_SEC", params.LastKnownGoodTTL)
	params.IdleResetPeriod = getEnvDur("SURGE_IDLE_RESET_SEC", params.IdleResetPeriod)
	cfg.Adaptive = params

	opts := bulk.DefaultOptions()
	opts.BatchSize = getEnvInt("SURGE_BATCH_SIZE", opts.BatchSize)
	opts.ContinueOnError = getEnvBool("SURGE_CONTINUE_ON_ERROR", opts.ContinueOnError)
	opts.MaxParallelBatches = getEnvInt("SURGE_MAX_PARALLEL_BATCHES", opts.MaxParallelBatches)
	opts.MaxAttempts = getEnvInt("SURGE_MAX_ATTEMPTS", opts.MaxAttempts)
	cfg.Bulk = opts

	identities, err := parseIdentities(getEnv("SURGE_CONNECTIONS", ""), cfg.EnvironmentURL, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	cfg.Identities = identities

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// parseIdentities expands SURGE_CONNECTIONS into identity configs,
// copying the environment URL and tenant into each entry at load time.
func parseIdentities(raw, envURL, tenantID string) ([]pool.IdentityConfig, error) {
	if strings.TrimSpace(raw) == "" {
		if envURL == "" {
			return nil, fmt.Errorf("config: no identities: set SURGE_CONNECTIONS or SURGE_ENVIRONMENT_URL")
		}
		// Single implicit identity against the environment endpoint.
		return []pool.IdentityConfig{{
			Name:     "default",
			URL:      strings.TrimRight(envURL, "/"),
			TenantID: tenantID,
			Secret:   secretFor("default"),
		}}, nil
	}

	var out []pool.IdentityConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url := entry, ""
		if i := strings.IndexByte(entry, '='); i >= 0 {
			name, url = entry[:i], entry[i+1:]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("config: identity entry %q has no name", entry)
		}
		if url == "" {
			url = envURL
		}
		if url == "" {
			return nil, fmt.Errorf("config: identity %q has no URL and SURGE_ENVIRONMENT_URL is unset", name)
		}
		out = append(out, pool.IdentityConfig{
			Name:     name,
			URL:      strings.TrimRight(url, "/"),
			TenantID: tenantID,
			Secret:   secretFor(name),
		})
	}
	return out, nil
}

func secretFor(name string) string {
	key := "SURGE_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return os.Getenv(key)
}

func strategyFromName(name string) (pool.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "throttle_aware":
		return pool.NewThrottleAware(), nil
	case "round_robin":
		return pool.NewRoundRobin(), nil
	case "least_connections":
		return pool.NewLeastConnections(), nil
	default:
		return nil, fmt.Errorf("config: unknown selection strategy %q", name)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDur(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}
