package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "data/beaconadmin.db", cfg.DatabasePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://proximitybeacon.googleapis.com/v1beta1/", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.API.Breaker.Enabled)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
http_port: 9000
log_level: debug
api:
  base_url: http://localhost:7000/v1beta1/
  requests_per_minute: 120
  project_id: yaml-project
  breaker:
    enabled: true
    max_failures: 3
mqtt:
  enabled: true
  broker_url: tcp://broker:1883
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("BEACONADMIN_HTTP_PORT", "9100")
	t.Setenv("BEACONADMIN_API_TIMEOUT", "5s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml-project", cfg.API.ProjectID)

	t.Setenv("BEACONADMIN_API_PROJECT_ID", "env-project")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "env-project", cfg.API.ProjectID)

	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://localhost:7000/v1beta1/", cfg.API.BaseURL)
	assert.Equal(t, 120, cfg.API.RequestsPerMinute)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.True(t, cfg.API.Breaker.Enabled)
	assert.Equal(t, uint32(3), cfg.API.Breaker.MaxFailures)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "beacons", cfg.MQTT.TopicPrefix)
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "port", key: "BEACONADMIN_HTTP_PORT", val: "eighty"},
		{name: "timeout", key: "BEACONADMIN_API_TIMEOUT", val: "soon"},
		{name: "rpm", key: "BEACONADMIN_API_RPM", val: "many"},
		{name: "mdns", key: "BEACONADMIN_MDNS", val: "perhaps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadFile("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.HTTPPort = 0
	cfg.API.BaseURL = "ftp://example"
	cfg.MQTT.QoS = 3

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
	assert.Contains(t, err.Error(), "api.base_url")
	assert.Contains(t, err.Error(), "mqtt.qos")

	assert.NoError(t, Default().Validate())
}
