package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithDefaults_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
lock:
  mode: blocking
  poll_interval: 250ms
global:
  lookback_days: 3
  default_schedule: "0 8 * * *"
`)

	cfg, err := config.LoadWithDefaults(path, (*config.Config).SetDefaults)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, config.LockModeBlocking, cfg.Lock.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, 3, cfg.Global.LookbackDays)
	assert.Equal(t, "Europe/Paris", cfg.Global.Timezone)
	assert.Equal(t, 30, cfg.Dedup.LookbackDays)
	assert.Equal(t, 10, cfg.Queue.KeepCompleted)
	assert.Equal(t, 5, cfg.Queue.KeepFailed)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.MaintenanceCron)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := writeConfig(t, "database:\n  host: db.internal\n")
	t.Setenv("POSTGRES_HOST", "override-host")
	t.Setenv("LOCK_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.LoadWithDefaults(path, (*config.Config).SetDefaults)
	require.NoError(t, err)

	assert.Equal(t, "override-host", cfg.Database.Host)
	assert.Equal(t, 5*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_MissingFileUsesZeroValue(t *testing.T) {
	cfg, err := config.Load[config.Config](filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Server.Port)
}

func TestValidate_RejectsBadLockMode(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Lock.Mode = "spin"

	err := cfg.Validate()
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "lock.mode", verr.Field)
}

func TestDatabaseDSN(t *testing.T) {
	t.Parallel()

	db := config.DatabaseConfig{Host: "h", Port: 5433, User: "u", Password: "p", DBName: "d", SSLMode: "require"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=require", db.DSN())
}
