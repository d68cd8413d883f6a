package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8083", cfg.HTTPAddr)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 2000, cfg.Limits.MaxMessageLength)
	assert.Equal(t, 60*time.Second, cfg.WS.IdleTimeout)
	assert.Equal(t, 25*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, 256, cfg.WS.SendBuffer)
	assert.Equal(t, 50, cfg.History.PageSize)
	assert.Equal(t, 5, cfg.Client.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Client.ReconnectDelay)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9999"
store:
  driver: mongo
limits:
  max_message_length: 500
ws:
  idle_timeout: 90s
`), 0o600))
	t.Setenv("CHAT_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("CHAT_LIMITS_MAX_MESSAGE_LENGTH", "300")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, 300, cfg.Limits.MaxMessageLength, "env wins over file")
	assert.Equal(t, 90*time.Second, cfg.WS.IdleTimeout)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	base, err := Load("", nil)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"unknown driver":    func(c *Config) { c.Store.Driver = "sqlite" },
		"zero length limit": func(c *Config) { c.Limits.MaxMessageLength = 0 },
		"page too large":    func(c *Config) { c.History.PageSize = MaxHistoryPageSize + 1 },
		"ping after idle":   func(c *Config) { c.WS.PingInterval = c.WS.IdleTimeout },
		"no send buffer":    func(c *Config) { c.WS.SendBuffer = 0 },
		"no reconnects":     func(c *Config) { c.Client.ReconnectAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
