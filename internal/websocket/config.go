package websocket

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after a bridge connection completes its handshake and
// before its read loop starts.
type OnConnectFn = func(connID string)

// OnDisconnectFn is called when a bridge connection ends. voluntary is true
// when the peer closed it.
type OnDisconnectFn = func(connID string, voluntary bool)

// RateLimitConfig defines rate limiting configuration for a connection
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames may pass per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// ClientConfig configures the client-side Transport.
type ClientConfig struct {
	// URL of the bridge endpoint, ws:// or wss://.
	URL string
	// Header is sent with the handshake request.
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxMessageSize limits inbound frames. 0 means no limit.
	MaxMessageSize int64

	// RateLimitConfig throttles the write pump. Send is never throttled,
	// frames wait in the queue instead. Nil disables throttling.
	RateLimitConfig *RateLimitConfig

	Logger *zap.Logger
}

// DefaultClientConfig returns a client configuration for url with sensible defaults.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   10 * 1024 * 1024,
		RateLimitConfig:  DefaultRateLimitConfig(),
	}
}

// BridgeConfig configures the bridge server.
type BridgeConfig struct {
	Addr string
	// Path the bridge is served on. Default "/eventbus".
	Path string

	// RateLimitConfig limits inbound frames per connection. Nil uses
	// DefaultRateLimitConfig().
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn

	Logger *zap.Logger
	// Registerer receives the bridge collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}
