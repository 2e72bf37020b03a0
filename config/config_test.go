package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlfredDev/surge/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SURGE_ENVIRONMENT_URL", "https://org.example.com/")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":8090", cfg.Addr)
	require.Equal(t, 52, cfg.Pool.MaxPerIdentity)
	require.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, 100, cfg.Bulk.BatchSize)
	require.True(t, cfg.Bulk.ContinueOnError)
	require.InDelta(t, 0.5, cfg.Adaptive.InitialFactor, 1e-9)

	// With no SURGE_CONNECTIONS, a single implicit identity targets
	// the environment endpoint, trailing slash trimmed.
	require.Len(t, cfg.Identities, 1)
	require.Equal(t, "default", cfg.Identities[0].Name)
	require.Equal(t, "https://org.example.com", cfg.Identities[0].URL)
}

func TestLoadIdentityInheritance(t *testing.T) {
	t.Setenv("SURGE_ENVIRONMENT_URL", "https://org.example.com")
	t.Setenv("SURGE_TENANT_ID", "tenant-1")
	t.Setenv("SURGE_CONNECTIONS", "primary, eu=https://eu.example.com ,backup")
	t.Setenv("SURGE_SECRET_PRIMARY", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Identities, 3)

	primary := cfg.Identities[0]
	require.Equal(t, "primary", primary.Name)
	require.Equal(t, "https://org.example.com", primary.URL, "URL inherited from the environment")
	require.Equal(t, "tenant-1", primary.TenantID)
	require.Equal(t, "s3cret", primary.Secret)

	eu := cfg.Identities[1]
	require.Equal(t, "eu", eu.Name)
	require.Equal(t, "https://eu.example.com", eu.URL)
	require.Equal(t, "tenant-1", eu.TenantID, "tenant copied into every identity")

	require.Equal(t, "backup", cfg.Identities[2].Name)
}

func TestLoadTuningOverrides(t *testing.T) {
	t.Setenv("SURGE_ENVIRONMENT_URL", "https://org.example.com")
	t.Setenv("SURGE_MAX_PER_IDENTITY", "8")
	t.Setenv("SURGE_ACQUIRE_TIMEOUT_SEC", "5")
	t.Setenv("SURGE_BATCH_SIZE", "250")
	t.Setenv("SURGE_STABILIZATION_BATCHES", "7")
	t.Setenv("SURGE_SELECTION_STRATEGY", "least_connections")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pool.MaxPerIdentity)
	require.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, 250, cfg.Bulk.BatchSize)
	require.Equal(t, 7, cfg.Adaptive.StabilizationBatches)
	require.NotNil(t, cfg.Pool.Strategy)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	t.Setenv("SURGE_ENVIRONMENT_URL", "https://org.example.com")
	t.Setenv("SURGE_SELECTION_STRATEGY", "dartboard")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRequiresAnEndpoint(t *testing.T) {
	t.Setenv("SURGE_ENVIRONMENT_URL", "")
	t.Setenv("SURGE_CONNECTIONS", "")

	_, err := config.Load()
	require.Error(t, err)
}
