package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/orchestrator/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ORC_CONFIG_FILE", "ORC_CAPABILITY_INDEX_PATH", "ORC_STORE_BACKEND",
		"ORC_REDIS_URL", "ORC_REDIS_PASSWORD", "ORC_MONGO_URI", "ORC_MONGO_DATABASE",
		"ORC_ARTIFACT_BACKEND", "ORC_ARTIFACT_ROOT", "ORC_WORKERS",
		"ORC_GLOBAL_SEMAPHORE", "ORC_RETRY_BACKOFF", "ORC_INLINE_THRESHOLD",
		"ORC_TOOL_KILL_GRACE", "ORC_ENGINE", "ORC_TEMPORAL_HOST_PORT",
		"ORC_TEMPORAL_NAMESPACE", "ORC_TEMPORAL_TASK_QUEUE", "ORC_PULSE_ENABLED",
		"ORC_PULSE_REDIS_URL", "ORC_LOG_FORMAT", "ORC_DEBUG",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadRequiresCapabilityIndexPath(t *testing.T) {
	clearEnv(t)
	_, err := config.Load()
	assert.ErrorContains(t, err, "ORC_CAPABILITY_INDEX_PATH")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.StoreInmem, cfg.StoreBackend)
	assert.Equal(t, config.ArtifactFS, cfg.ArtifactBackend)
	assert.Equal(t, config.EngineInProcess, cfg.Engine)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 16, cfg.GlobalSemaphore)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")
	t.Setenv("ORC_WORKERS", "8")
	t.Setenv("ORC_STORE_BACKEND", "redis")
	t.Setenv("ORC_REDIS_URL", "redis.internal:6379")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "redis.internal:6379", cfg.RedisURL)
}

func TestLoadRejectsRedisBackendWithoutURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")
	t.Setenv("ORC_STORE_BACKEND", "redis")
	t.Setenv("ORC_REDIS_URL", "")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ORC_REDIS_URL")
}

func TestLoadRejectsTemporalEngineWithoutTaskQueue(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")
	t.Setenv("ORC_ENGINE", "temporal")
	t.Setenv("ORC_TEMPORAL_TASK_QUEUE", "")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ORC_TEMPORAL")
}

func TestLoadRejectsPulseEnabledWithoutRedisURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")
	t.Setenv("ORC_PULSE_ENABLED", "true")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ORC_PULSE_REDIS_URL")
}

func TestLoadReadsOverlayFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	overlay := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("capability_index_path: /etc/tools.yaml\nworkers: 6\n"), 0o644))

	t.Setenv("ORC_CONFIG_FILE", overlay)
	t.Setenv("ORC_WORKERS", "10")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/tools.yaml", cfg.CapabilityIndexPath)
	assert.Equal(t, 10, cfg.Workers)
}

func TestLoadRejectsUnknownLogFormat(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORC_CAPABILITY_INDEX_PATH", "/tmp/tools.yaml")
	t.Setenv("ORC_LOG_FORMAT", "xml")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ORC_LOG_FORMAT")
}
