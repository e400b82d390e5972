package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8558", cfg.Endpoint)
	assert.False(t, cfg.TLS)
	assert.Equal(t, 64, cfg.HubQueueSize)
	assert.Equal(t, 128, cfg.ClientQueueSize)
	assert.Equal(t, uint32(1<<20), cfg.MaxFrameBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SQUAWKBUS_ENDPOINT", ":9999")
	t.Setenv("SQUAWKBUS_HUB_QUEUE_SIZE", "128")
	t.Setenv("SQUAWKBUS_LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Endpoint)
	assert.Equal(t, 128, cfg.HubQueueSize)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"tls without cert", func(c *Config) { c.TLS = true }, "SQUAWKBUS_CERT_FILE"},
		{"hub queue too small", func(c *Config) { c.HubQueueSize = 8 }, "HUB_QUEUE_SIZE"},
		{"hub queue too large", func(c *Config) { c.HubQueueSize = 1024 }, "HUB_QUEUE_SIZE"},
		{"zero client queue", func(c *Config) { c.ClientQueueSize = 0 }, "CLIENT_QUEUE_SIZE"},
		{"tiny frame limit", func(c *Config) { c.MaxFrameBytes = 16 }, "MAX_FRAME_BYTES"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}
