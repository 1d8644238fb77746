package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithRequiredEnv(t *testing.T) {
	t.Setenv("CW_STATION_ID", "CP-1")
	t.Setenv("CW_API_BASE_URL", "http://localhost:8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "CP-1", cfg.Station.ID)
	assert.Equal(t, time.Second, cfg.BaseDelay())
	assert.Equal(t, 30*time.Second, cfg.MaxDelay())
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 10*time.Minute, cfg.SeriesWindow())
	assert.Equal(t, 360, cfg.Series.MaxPoints)
	assert.Equal(t, 10*time.Second, cfg.MeterThrottle())
	assert.Equal(t, 0.35, cfg.Channel.JitterFraction)
}

func TestLoadRequiresStationAndBaseURL(t *testing.T) {
	t.Setenv("CW_STATION_ID", "")
	t.Setenv("CW_API_BASE_URL", "")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CW_STATION_ID", "CP-1")
	_, err = Load()
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
station:
  id: CP-from-file
api:
  baseUrl: http://file:8080
channel:
  baseDelayMs: 2000
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CW_STATION_ID", "CP-from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "CP-from-env", cfg.Station.ID)
	assert.Equal(t, "http://file:8080", cfg.API.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.BaseDelay())
}

func TestTimingFloors(t *testing.T) {
	t.Setenv("CW_STATION_ID", "CP-1")
	t.Setenv("CW_API_BASE_URL", "http://localhost:8080")
	t.Setenv("CW_CHANNEL_BASE_DELAY_MS", "10")
	t.Setenv("CW_CHANNEL_MAX_DELAY_MS", "5")
	t.Setenv("CW_CHANNEL_HEARTBEAT", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay())
	// the ceiling can never undercut the base
	assert.Equal(t, cfg.BaseDelay(), cfg.MaxDelay())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
}

func TestBadEnvValueSurfaces(t *testing.T) {
	t.Setenv("CW_STATION_ID", "CP-1")
	t.Setenv("CW_API_BASE_URL", "http://localhost:8080")
	t.Setenv("CW_SERIES_MAX_POINTS", "lots")

	_, err := Load()
	assert.Error(t, err)
}
