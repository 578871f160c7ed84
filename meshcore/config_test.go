package meshcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "./data", cfg.CacheDir)
	require.Equal(t, uint64(1<<30), cfg.MaxSizeBytes)
	require.Equal(t, 2, cfg.WorkstackThreshold)
	require.Equal(t, uint32(3), cfg.PromotionThreshold)
	require.True(t, cfg.Compress)
	require.False(t, cfg.AutoPromote)
}

func TestNewConfigAppliesOptionsLast(t *testing.T) {
	t.Setenv("AGENTMESH_MAX_SIZE_BYTES", "2048")

	cfg, err := NewConfig(
		WithCacheDir("/tmp/agentmesh"),
		WithMaxSizeBytes(4096),
		WithWorkstackThreshold(1),
		WithPromotionThreshold(10),
		WithDefaultTTL(30*time.Second),
	)
	require.NoError(t, err)
	require.Equal(t, "/tmp/agentmesh", cfg.CacheDir)
	require.Equal(t, uint64(4096), cfg.MaxSizeBytes, "option must win over env var")
	require.Equal(t, 1, cfg.WorkstackThreshold)
	require.Equal(t, uint32(10), cfg.PromotionThreshold)
	require.Equal(t, 30*time.Second, cfg.DefaultTTL)
}

func TestNewConfigRejectsInvalidValues(t *testing.T) {
	_, err := NewConfig(WithMaxSizeBytes(0))
	require.Error(t, err)

	_, err = NewConfig(WithWorkstackThreshold(0))
	require.Error(t, err)

	_, err = NewConfig(WithWorkstackThreshold(3))
	require.Error(t, err, "fast path only ever runs a single agent, so thresholds above 2 would drop agents")

	_, err = NewConfig(WithSequenceLengthBounds(5, 2))
	require.Error(t, err)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("AGENTMESH_CACHE_DIR", "/var/agentmesh")
	t.Setenv("AGENTMESH_COMPRESS", "false")
	t.Setenv("AGENTMESH_AUTO_PROMOTE", "true")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.Equal(t, "/var/agentmesh", cfg.CacheDir)
	require.False(t, cfg.Compress)
	require.True(t, cfg.AutoPromote)
}
