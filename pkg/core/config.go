package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultURL is the public streaming endpoint.
const DefaultURL = "wss://api.bitfinex.com/ws/2"

// DefaultRESTURL is the public one-shot HTTP endpoint.
const DefaultRESTURL = "https://api-pub.bitfinex.com/v2"

// DefaultChannelsPerConnection is the per-connection subscription limit used by the manager.
const DefaultChannelsPerConnection = 50

// Credentials holds API authentication credentials.
type Credentials struct {
	// APIKey is the public API key identifier.
	APIKey string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	// APISecret is the private key used for signing the auth payload.
	APISecret string `json:"api_secret" yaml:"api_secret" env:"API_SECRET"`
}

// Valid reports whether both key and secret are present.
func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != "" && c.APISecret != ""
}

// Config contains all configuration options for a streaming connection and the
// connection manager.
type Config struct {
	URL         string       `json:"url" yaml:"url" env:"URL" validate:"required,url"`
	Credentials *Credentials `json:"credentials,omitempty" yaml:"credentials"`

	// AutoReconnect reopens the socket after an unexpected close.
	AutoReconnect bool `json:"auto_reconnect" yaml:"auto_reconnect" env:"AUTO_RECONNECT"`
	// ReconnectDelay is the wait before the first reopen attempt.
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay" env:"RECONNECT_DELAY" validate:"min=0"`
	// ReconnectMaxDelay caps the backoff between failed reopen attempts.
	ReconnectMaxDelay time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY" validate:"min=0"`
	// PacketWatchdogDelay forces a reconnect after this much inbound silence. Zero disables it.
	PacketWatchdogDelay time.Duration `json:"packet_watchdog_delay" yaml:"packet_watchdog_delay" env:"PACKET_WD_DELAY" validate:"min=0"`
	// OrderOpBufferDelay batches order operations for this long. Zero or less sends immediately.
	OrderOpBufferDelay time.Duration `json:"order_op_buffer_delay" yaml:"order_op_buffer_delay" env:"ORDER_OP_BUFFER_DELAY"`

	ManageOrderBooks bool `json:"manage_order_books" yaml:"manage_order_books" env:"MANAGE_ORDER_BOOKS"`
	ManageCandles    bool `json:"manage_candles" yaml:"manage_candles" env:"MANAGE_CANDLES"`
	// SeqAudit enables the sequencing flag and counter verification.
	SeqAudit bool `json:"seq_audit" yaml:"seq_audit" env:"SEQ_AUDIT"`
	// Checksums enables the checksum flag and order book verification.
	Checksums bool `json:"checksums" yaml:"checksums" env:"CHECKSUMS"`
	// Transform delivers named-field records to catch-all listeners as well.
	Transform bool `json:"transform" yaml:"transform" env:"TRANSFORM"`

	CalcEnabled   bool     `json:"calc_enabled" yaml:"calc_enabled" env:"CALC"`
	DeadManSwitch int      `json:"dms" yaml:"dms" env:"DMS" validate:"oneof=0 4"`
	AuthFilter    []string `json:"auth_filter,omitempty" yaml:"auth_filter" env:"AUTH_FILTER" envSeparator:","`

	ChannelsPerConnection int `json:"channels_per_connection" yaml:"channels_per_connection" env:"CHANNELS_PER_CONN" validate:"min=1,max=250"`
	ConnectRatePerMinute  int `json:"connect_rate_per_minute" yaml:"connect_rate_per_minute" env:"CONNECT_RATE" validate:"min=1"`

	RESTURL     string        `json:"rest_url" yaml:"rest_url" env:"REST_URL" validate:"omitempty,url"`
	RESTTimeout time.Duration `json:"rest_timeout" yaml:"rest_timeout" env:"REST_TIMEOUT" validate:"min=0"`

	LogLevel string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with production defaults:
// auto-reconnect after 1s (capped at 30s), 50 channels per connection,
// 20 new sockets per minute and a 10s REST timeout.
func DefaultConfig() *Config {
	return &Config{
		URL:                   DefaultURL,
		AutoReconnect:         true,
		ReconnectDelay:        1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ChannelsPerConnection: DefaultChannelsPerConnection,
		ConnectRatePerMinute:  20,
		RESTURL:               DefaultRESTURL,
		RESTTimeout:           10 * time.Second,
		LogLevel:              "info",
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Credentials != nil && (c.Credentials.APIKey == "") != (c.Credentials.APISecret == "") {
		return errors.New("credentials require both api key and api secret")
	}
	if c.ReconnectMaxDelay > 0 && c.ReconnectMaxDelay < c.ReconnectDelay {
		return errors.New("ReconnectMaxDelay must not be below ReconnectDelay")
	}
	return nil
}

// Flags returns the conf flags mask implied by the configuration.
func (c *Config) Flags() Flag {
	var flags Flag
	if c.SeqAudit {
		flags |= FlagSeqAll
	}
	if c.Checksums {
		flags |= FlagChecksum
	}
	return flags
}

// Level returns the zerolog level for LogLevel, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// WithCredentials sets the API credentials and returns the config for chaining.
func (c *Config) WithCredentials(key, secret string) *Config {
	c.Credentials = &Credentials{APIKey: key, APISecret: secret}
	return c
}

// WithURL sets the socket endpoint and returns the config for chaining.
func (c *Config) WithURL(url string) *Config {
	c.URL = url
	return c
}

// WithReconnect configures automatic reconnection and returns the config for chaining.
func (c *Config) WithReconnect(enabled bool, delay time.Duration) *Config {
	c.AutoReconnect = enabled
	c.ReconnectDelay = delay
	return c
}

// WithPacketWatchdog sets the inbound silence window and returns the config for chaining.
func (c *Config) WithPacketWatchdog(delay time.Duration) *Config {
	c.PacketWatchdogDelay = delay
	return c
}

// WithOrderOpBuffer sets the order batching delay and returns the config for chaining.
func (c *Config) WithOrderOpBuffer(delay time.Duration) *Config {
	c.OrderOpBufferDelay = delay
	return c
}

// WithManagedState toggles local order book and candle aggregation and returns the config for chaining.
func (c *Config) WithManagedState(books, candles bool) *Config {
	c.ManageOrderBooks = books
	c.ManageCandles = candles
	return c
}

// WithSequencing toggles sequence auditing and book checksums and returns the config for chaining.
func (c *Config) WithSequencing(seqAudit, checksums bool) *Config {
	c.SeqAudit = seqAudit
	c.Checksums = checksums
	return c
}

// LoadConfig builds a Config from defaults, an optional YAML file at path and
// BFX_* environment variables, in that order, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Credentials == nil {
		cfg.Credentials = &Credentials{}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "BFX_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Credentials.APIKey == "" && cfg.Credentials.APISecret == "" {
		cfg.Credentials = nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}
