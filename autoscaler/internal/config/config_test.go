package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Platform.Mock)
	assert.Equal(t, []string{"vms"}, cfg.Platform.Folders)
	assert.Equal(t, 10*time.Second, cfg.Gate.DrainTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ClusterMap.CompletenessGrace)
	assert.Equal(t, 16, cfg.Execution.MaxWorkers)
	assert.False(t, cfg.MQ.Enabled)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("VHM_SERVER_PORT", "9090")
	t.Setenv("VHM_LOGGING_DEVELOPMENT", "true")
	t.Setenv("VHM_PLATFORM_FOLDERS", "a,b")
	t.Setenv("VHM_EXECUTION_MAX_WORKERS", "4")
	t.Setenv("VHM_HEALTH_INTERVAL", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, []string{"a", "b"}, cfg.Platform.Folders)
	assert.Equal(t, 4, cfg.Execution.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval)
}

func TestLoadConfig_InvalidValue(t *testing.T) {
	t.Setenv("VHM_GATE_DRAIN_TIMEOUT", "soon")

	_, err := LoadConfig()
	assert.Error(t, err)
}
