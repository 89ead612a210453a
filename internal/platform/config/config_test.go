package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "be-bank-reconciliation", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(1), cfg.Workflow.ReconciliationWorkflowID)
	assert.Equal(t, int64(1), cfg.Workflow.SubmitBreakdownID)
	assert.Equal(t, int64(2), cfg.Workflow.SubmittedBreakdownID)
	assert.Equal(t, 6, cfg.Workflow.ReminderFirstDay)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECON_DATABASE_HOST", "db.internal")
	t.Setenv("RECON_SERVER_PORT", "9999")
	t.Setenv("RECON_SERVICE_ENVIRONMENT", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
database:
  host: file-host
  database: recon_file
workflow:
  reminder_first_day: 10
nats:
  url: nats://nats:4222
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-host", cfg.Database.Host)
	assert.Equal(t, "recon_file", cfg.Database.Database)
	assert.Equal(t, 10, cfg.Workflow.ReminderFirstDay)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workflow.ReminderFirstDay = 31
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workflow.ReminderHour = 24
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.GRPCPort = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, base().Validate())
}
