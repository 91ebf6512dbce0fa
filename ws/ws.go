// Package ws connects kephasbus clients over websockets and serves the
// bridge they talk to.
package ws

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/eventbus"
	"github.com/luciancaetano/kephasbus/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ClientConfig = websocket.ClientConfig
type BridgeConfig = websocket.BridgeConfig
type Bridge = websocket.Bridge
type Options = eventbus.Options
type Metrics = eventbus.Metrics

// DefaultBridgePath is where the bridge accepts connections.
const DefaultBridgePath = websocket.DefaultBridgePath

// Dial creates a bus over a websocket transport and starts connecting. The
// returned bus is in kephasbus.Connecting; opts.OnOpen tells when it is
// usable. Use Connect to wait for that instead.
func Dial(cfg *ClientConfig, opts *Options) (kephasbus.Bus, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil && cfg.Logger != nil {
		o := *opts
		o.Logger = cfg.Logger
		opts = &o
	}
	client, err := eventbus.New(websocket.NewTransport(cfg), opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Connect dials like Dial and blocks until the bus is open, the connection
// fails, or ctx is done.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	bus, err := ws.Connect(ctx, ws.DefaultClientConfig("ws://localhost:8080/eventbus"), nil)
func Connect(ctx context.Context, cfg *ClientConfig, opts *Options) (kephasbus.Bus, error) {
	var o Options
	if opts != nil {
		o = *opts
	}

	opened := make(chan struct{})
	closed := make(chan struct{})
	onOpen, onClose := o.OnOpen, o.OnClose
	o.OnOpen = func() {
		close(opened)
		if onOpen != nil {
			onOpen()
		}
	}
	o.OnClose = func() {
		close(closed)
		if onClose != nil {
			onClose()
		}
	}

	bus, err := Dial(cfg, &o)
	if err != nil {
		return nil, err
	}

	select {
	case <-opened:
		return bus, nil
	case <-closed:
		return nil, errors.Errorf("connection to %s closed before opening", cfg.URL)
	case <-ctx.Done():
		bus.Close()
		return nil, errors.Wrapf(ctx.Err(), "connecting to %s", cfg.URL)
	}
}

// NewBridge creates a bridge server. Mount it as an http.Handler or call Start.
//
// Example:
//
//	bridge := ws.NewBridge(&ws.BridgeConfig{
//	    Addr:            ":8080",
//	    RateLimitConfig: ws.DefaultRateLimitConfig(),
//	    CheckOrigin:     ws.AllOrigins(),
//	})
//	if err := bridge.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer bridge.Stop(context.Background())
func NewBridge(cfg *BridgeConfig) *Bridge {
	return websocket.NewBridge(cfg)
}

// NewMetrics creates client metrics registered with reg. Pass the result
// in Options.Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return eventbus.NewMetrics(reg)
}

// DefaultClientConfig returns a client configuration for url
func DefaultClientConfig(url string) *ClientConfig {
	return websocket.DefaultClientConfig(url)
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
