package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/model"
)

// chdir moves the working directory so Load finds (or misses) the
// config file we stage.
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "fitsync.sqlite3", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "UTC", cfg.HomeTZ)

	assert.Equal(t, 15*time.Minute, cfg.Correlate.TimeTolerance())
	assert.Equal(t, 0.10, cfg.Correlate.DistanceTolerance)
	assert.Equal(t, 0.01, cfg.Diff.DistanceEpsilon)
	assert.Equal(t, 0.01, cfg.Diff.NumericEpsilon)

	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 3, cfg.Scheduler.RateLimitAlertAfter)

	assert.Equal(t, 1, cfg.Provider(model.ProviderSpreadsheet).Priority)
	assert.Equal(t, 2, cfg.Provider(model.ProviderRideWithGPS).Priority)
	assert.Equal(t, 3, cfg.Provider(model.ProviderStrava).Priority)
	assert.Equal(t, 4, cfg.Provider(model.ProviderGarmin).Priority)
	assert.Equal(t, 5, cfg.Provider(model.ProviderFile).Priority)
	assert.False(t, cfg.Provider(model.ProviderGarmin).SyncEquipment,
		"garmin has no equipment write path")
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/fitsync
home_timezone: America/Denver
correlate:
  time_tolerance_mins: 20
providers:
  strava:
    enabled: true
    access_token: tok-123
  spreadsheet:
    enabled: true
    path: /data/log.xlsx
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/fitsync", cfg.Store.DatabaseURL)
	assert.Equal(t, 20*time.Minute, cfg.Correlate.TimeTolerance())
	assert.Equal(t, "America/Denver", cfg.HomeTZ)
	assert.Equal(t, "America/Denver", cfg.Location().String())

	strava := cfg.Provider(model.ProviderStrava)
	assert.True(t, strava.Enabled)
	assert.Equal(t, "tok-123", strava.AccessToken)
	assert.Equal(t, 3, strava.Priority, "defaults fill in around the file")

	assert.Equal(t, "/data/log.xlsx", cfg.Provider(model.ProviderSpreadsheet).Path)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FITSYNC_STORE_DRIVER", "postgres")
	t.Setenv("FITSYNC_SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestPriorityOrder(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{
		"strava":      {Enabled: true, Priority: 3},
		"spreadsheet": {Enabled: true, Priority: 1},
		"garmin":      {Enabled: true, Priority: 4},
		"ridewithgps": {Enabled: false, Priority: 2},
		"file":        {Enabled: true},
	}}

	order := cfg.PriorityOrder()
	assert.Equal(t, []model.ProviderName{
		model.ProviderSpreadsheet,
		model.ProviderStrava,
		model.ProviderGarmin,
		model.ProviderFile,
	}, order, "disabled providers are excluded, unprioritized sort last")
}

func TestLocation_BadZoneFallsBack(t *testing.T) {
	cfg := &Config{HomeTZ: "Not/AZone"}
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestInitLogger_BadLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "shouty", Format: "json"}))
}
