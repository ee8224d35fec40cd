package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettingsYAML = `
aws:
  sqs:
    endpoint: "http://localhost:4566"
tasks:
  - app.tasks.charge
routes:
  app.tasks: app_queue
dbs:
  - primary
`

func writeSettingsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSettingsYAML), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeSettingsFile(t))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:4566", cfg.AWS.SQS.Endpoint)
	assert.Equal(t, 2.0, cfg.AWS.SQS.ConnectTimeout)
	assert.Equal(t, 20.0, cfg.AWS.SQS.PollTime)
	assert.False(t, cfg.Synchronous)
	assert.Equal(t, []string{"app.tasks.charge"}, cfg.Tasks)
	assert.Equal(t, "app_queue", cfg.Routes["app.tasks"])
	assert.Equal(t, []string{"primary"}, cfg.DBs)
}

func TestLoadEnvOverridesScalarSetting(t *testing.T) {
	t.Setenv("DISPATCH_AWS__SQS__POLL_TIME", "5")

	cfg, err := Load(writeSettingsFile(t))
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.AWS.SQS.PollTime)
}

func TestLoadFailsWithoutRequiredEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  app.tasks: app_queue\ndbs:\n  - primary\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}
