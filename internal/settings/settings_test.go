package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/sessionstore/internal/db"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaultsRequirePostgresURL(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SESSIONSTORE_DATABASE_URL", "postgres://localhost/sessions")
	t.Setenv("SESSIONSTORE_WORKER_POLL_INTERVAL", "2s")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, db.TypePostgres, s.Database.Type)
	assert.Equal(t, "postgres://localhost/sessions", s.Database.URL)
	assert.Equal(t, 2*time.Second, s.Worker.PollInterval)
	assert.Equal(t, 10, s.Monitor.BatchSize)
	assert.Equal(t, 50051, s.GRPC.Port)
	assert.Empty(t, s.ClientOptions())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
database:
  type: sqlite
  path: /tmp/store.db
  unconditional_retry_sweep: true
  can_run_downstream: [success, planned, error]
worker:
  batch_size: 7
log:
  level: debug
`)
	s, err := Load(path)
	require.NoError(t, err)

	opts := s.DBOptions()
	assert.Equal(t, db.TypeSQLite, opts.Type)
	assert.Equal(t, "/tmp/store.db", opts.Path)
	assert.Equal(t, 200*time.Millisecond, opts.SlowQueryThreshold)
	assert.Equal(t, 7, s.Worker.BatchSize)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Len(t, s.ClientOptions(), 2)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"type":  "database:\n  type: oracle\n",
		"state": "database:\n  type: sqlite\n  can_run_downstream: [finished]\n",
		"batch": "database:\n  type: sqlite\nworker:\n  batch_size: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
