package onvifctl

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMulticastAddr, cfg.Discovery.MulticastAddr)
	assert.Equal(t, 3, cfg.Events.MaxPullFailures)
	assert.Equal(t, PTZSettings{RateLimit: 100 * time.Millisecond}, cfg.PTZ.Settings())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Address, cfg.HTTP.Address)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onvifd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc:
  timeout: 3s
discovery:
  workers: 8
  username: admin
events:
  poll_interval: 2s
ptz:
  invert_tilt: true
presets:
  backend: memory
logging:
  level: debug
  format: console
`), 0o600))

	t.Setenv("ONVIFCTL_HTTP_ADDRESS", "127.0.0.1:9090")
	t.Setenv("ONVIFCTL_DISCOVERY_PASSWORD", "secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 8, cfg.Discovery.Workers)
	assert.Equal(t, Credentials{Username: "admin", Password: "secret"}, cfg.Discovery.Credentials())
	assert.Equal(t, 2*time.Second, cfg.Events.PollInterval)
	assert.True(t, cfg.PTZ.InvertTilt)
	assert.Equal(t, "memory", cfg.Presets.Backend)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)

	// Unset keys keep their defaults
	assert.Equal(t, 60*time.Minute, cfg.Events.SubscriptionLease)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"redis without address", func(c *Config) { c.Presets.Backend = "redis" }},
		{"file without path", func(c *Config) { c.Presets.Path = "" }},
		{"unknown backend", func(c *Config) { c.Presets.Backend = "sqlite" }},
		{"renew not before lease", func(c *Config) { c.Events.RenewBefore = c.Events.SubscriptionLease }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"no workers", func(c *Config) { c.Discovery.Workers = 0 }},
		{"zero timeout", func(c *Config) { c.RPC.Timeout = 0 }},
		{"no alarm paths", func(c *Config) { c.Events.AlarmStatusPaths = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid))
		})
	}
}

func TestLoggingConfigNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
}
