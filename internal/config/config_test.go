package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 1, cfg.Reindex.MaxConcurrentJobs)
	assert.Equal(t, 60*time.Second, cfg.Reindex.HeartbeatThreshold)
	assert.Equal(t, 5*time.Second, cfg.Reindex.PollInterval)
	assert.Equal(t, 100, cfg.Reindex.DefaultBatchSize)
	assert.True(t, cfg.Resources.KeepHistory("Observation"))
	assert.True(t, cfg.Resources.AllowCreate("Observation"))
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: postgres
  postgres:
    host: db.internal
    database: fhir
resources:
  keep_history_default: false
  overrides:
    AuditEvent:
      keep_history: true
      allow_create: false
reindex:
  max_concurrent_jobs: 3
  job_heartbeat_threshold: 90s
  job_poll_interval: 2s
  default_batch_size: 250
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Reindex.MaxConcurrentJobs)
	assert.Equal(t, 90*time.Second, cfg.Reindex.HeartbeatThreshold)
	assert.Equal(t, 250, cfg.Reindex.DefaultBatchSize)

	assert.False(t, cfg.Resources.KeepHistory("Observation"))
	assert.True(t, cfg.Resources.KeepHistory("AuditEvent"))
	assert.False(t, cfg.Resources.AllowCreate("AuditEvent"))
	assert.True(t, cfg.Resources.AllowCreate("Observation"))

	assert.Contains(t, cfg.Storage.Postgres.ConnString(), "host=db.internal")
	assert.Contains(t, cfg.Storage.Postgres.ConnString(), "port=5432")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: mongodb\n"},
		{"postgres without host", "storage:\n  backend: postgres\n"},
		{"redis without host", "storage:\n  backend: redis\n"},
		{"tiny heartbeat", "storage:\n  backend: memory\nreindex:\n  job_heartbeat_threshold: 10ms\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := config.LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
