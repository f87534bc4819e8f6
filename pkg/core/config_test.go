package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, DefaultURL, config.URL)
	assert.Nil(t, config.Credentials)
	assert.True(t, config.AutoReconnect)
	assert.Equal(t, 1*time.Second, config.ReconnectDelay)
	assert.Equal(t, 30*time.Second, config.ReconnectMaxDelay)
	assert.Zero(t, config.PacketWatchdogDelay)
	assert.Zero(t, config.OrderOpBufferDelay)
	assert.Equal(t, DefaultChannelsPerConnection, config.ChannelsPerConnection)
	assert.Equal(t, 20, config.ConnectRatePerMinute)
	assert.Equal(t, DefaultRESTURL, config.RESTURL)
	assert.Equal(t, "info", config.LogLevel)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"credentials", func(c *Config) { c.WithCredentials("key", "secret") }, false},
		{"missing url", func(c *Config) { c.URL = "" }, true},
		{"bad url", func(c *Config) { c.URL = "not a url" }, true},
		{"key without secret", func(c *Config) { c.WithCredentials("key", "") }, true},
		{"secret without key", func(c *Config) { c.WithCredentials("", "secret") }, true},
		{"negative reconnect delay", func(c *Config) { c.ReconnectDelay = -time.Second }, true},
		{"max delay below delay", func(c *Config) { c.ReconnectDelay, c.ReconnectMaxDelay = 5*time.Second, time.Second }, true},
		{"dms 4", func(c *Config) { c.DeadManSwitch = 4 }, false},
		{"dms 1", func(c *Config) { c.DeadManSwitch = 1 }, true},
		{"zero channels per connection", func(c *Config) { c.ChannelsPerConnection = 0 }, true},
		{"too many channels per connection", func(c *Config) { c.ChannelsPerConnection = 251 }, true},
		{"zero connect rate", func(c *Config) { c.ConnectRatePerMinute = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"empty log level", func(c *Config) { c.LogLevel = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Flags(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, Flag(0), config.Flags())

	config.WithSequencing(true, false)
	assert.Equal(t, FlagSeqAll, config.Flags())

	config.WithSequencing(true, true)
	flags := config.Flags()
	assert.True(t, flags.Has(FlagSeqAll))
	assert.True(t, flags.Has(FlagChecksum))
	assert.False(t, flags.Has(FlagTimestamp))
	assert.Equal(t, Flag(196608), flags)
}

func TestConfig_Level(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, zerolog.InfoLevel, config.Level())

	config.LogLevel = "debug"
	assert.Equal(t, zerolog.DebugLevel, config.Level())

	config.LogLevel = ""
	assert.Equal(t, zerolog.InfoLevel, config.Level())
}

func TestConfig_Setters(t *testing.T) {
	config := DefaultConfig().
		WithURL("wss://example.com/ws/2").
		WithCredentials("key", "secret").
		WithReconnect(false, 2*time.Second).
		WithPacketWatchdog(10*time.Second).
		WithOrderOpBuffer(250*time.Millisecond).
		WithManagedState(true, true)

	assert.Equal(t, "wss://example.com/ws/2", config.URL)
	assert.True(t, config.Credentials.Valid())
	assert.False(t, config.AutoReconnect)
	assert.Equal(t, 2*time.Second, config.ReconnectDelay)
	assert.Equal(t, 10*time.Second, config.PacketWatchdogDelay)
	assert.Equal(t, 250*time.Millisecond, config.OrderOpBufferDelay)
	assert.True(t, config.ManageOrderBooks)
	assert.True(t, config.ManageCandles)

	var nilCreds *Credentials
	assert.False(t, nilCreds.Valid())
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultURL, config.URL)
		assert.Nil(t, config.Credentials)
	})

	t.Run("yaml then environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := []byte(`
url: wss://yaml.example.com/ws/2
manage_order_books: true
reconnect_delay: 3s
channels_per_connection: 30
log_level: debug
`)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		t.Setenv("BFX_CHANNELS_PER_CONN", "40")
		t.Setenv("BFX_API_KEY", "env-key")
		t.Setenv("BFX_API_SECRET", "env-secret")
		t.Setenv("BFX_AUTH_FILTER", "trading,wallet")

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "wss://yaml.example.com/ws/2", config.URL)
		assert.True(t, config.ManageOrderBooks)
		assert.Equal(t, 3*time.Second, config.ReconnectDelay)
		assert.Equal(t, 40, config.ChannelsPerConnection)
		assert.Equal(t, "debug", config.LogLevel)
		require.NotNil(t, config.Credentials)
		assert.Equal(t, "env-key", config.Credentials.APIKey)
		assert.Equal(t, []string{"trading", "wallet"}, config.AuthFilter)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid result", func(t *testing.T) {
		t.Setenv("BFX_DMS", "2")
		_, err := LoadConfig("")
		assert.Error(t, err)
	})
}
