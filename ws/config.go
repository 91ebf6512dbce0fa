package ws

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration the way UnmarshalText reads it.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file form of a bus client and bridge setup:
//
//	[bus]
//	url = "ws://localhost:8080/eventbus"
//	ping_interval = "5s"
//	handshake_timeout = "10s"
//	default_headers = { token = "secret" }
//
//	[rate_limit]
//	enabled = true
//	messages_per_second = 100
//	burst = 200
//
//	[bridge]
//	addr = ":8080"
//	path = "/eventbus"
//	metrics_addr = ":9090"
type Config struct {
	Bus       BusSection        `toml:"bus"`
	RateLimit *RateLimitSection `toml:"rate_limit"`
	Bridge    BridgeSection     `toml:"bridge"`
}

// BusSection holds the client settings.
type BusSection struct {
	URL              string            `toml:"url"`
	PingInterval     Duration          `toml:"ping_interval"`
	HandshakeTimeout Duration          `toml:"handshake_timeout"`
	DefaultHeaders   map[string]string `toml:"default_headers"`
}

// RateLimitSection applies to client outbound frames and bridge inbound frames.
type RateLimitSection struct {
	Enabled           bool    `toml:"enabled"`
	MessagesPerSecond float64 `toml:"messages_per_second"`
	Burst             int     `toml:"burst"`
}

// BridgeSection holds the bridge server settings.
type BridgeSection struct {
	Addr        string `toml:"addr"`
	Path        string `toml:"path"`
	MetricsAddr string `toml:"metrics_addr"`
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return ParseConfig(string(content))
}

// ParseConfig parses TOML config content.
func ParseConfig(content string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown config key %q", undecoded[0].String())
	}
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled && cfg.RateLimit.MessagesPerSecond <= 0 {
		return nil, errors.New("rate_limit.messages_per_second must be positive when enabled")
	}
	return &cfg, nil
}

// ClientConfig converts the [bus] and [rate_limit] sections. A missing
// [rate_limit] section keeps the default limit.
func (c *Config) ClientConfig() *ClientConfig {
	cfg := DefaultClientConfig(c.Bus.URL)
	if c.Bus.HandshakeTimeout.Duration > 0 {
		cfg.HandshakeTimeout = c.Bus.HandshakeTimeout.Duration
	}
	if rl := c.rateLimitConfig(); rl != nil {
		cfg.RateLimitConfig = rl
	}
	return cfg
}

// Options converts the bus settings that belong to the client itself.
func (c *Config) Options() *Options {
	return &Options{
		PingInterval:   c.Bus.PingInterval.Duration,
		DefaultHeaders: c.Bus.DefaultHeaders,
	}
}

// BridgeConfig converts the [bridge] and [rate_limit] sections.
func (c *Config) BridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Addr:            c.Bridge.Addr,
		Path:            c.Bridge.Path,
		RateLimitConfig: c.rateLimitConfig(),
	}
}

func (c *Config) rateLimitConfig() *RateLimitConfig {
	if c.RateLimit == nil {
		return nil
	}
	if !c.RateLimit.Enabled {
		return NoRateLimit()
	}
	return &RateLimitConfig{
		MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
		Burst:             c.RateLimit.Burst,
		Enabled:           true,
	}
}
