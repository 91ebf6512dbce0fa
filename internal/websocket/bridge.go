package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// DefaultBridgePath is where the bridge accepts connections.
const DefaultBridgePath = "/eventbus"

// Bridge is a small server-side counterpart of the bus client. It keeps the
// address registrations of every connection and routes envelopes between
// them:
//
//   - publish goes to every connection registered on the address
//   - send goes to one registered connection, round-robin
//   - a send carrying a replyAddress remembers the sender, so the reply
//     sent to that address is routed back to it
//   - a send nobody listens to is answered with an err envelope when the
//     sender expects a reply
type Bridge struct {
	addr    string
	path    string
	server  *http.Server
	conns   sync.Map // map[string]*bridgeConn
	log     *zap.Logger
	metrics *bridgeMetrics

	rateLimitConfig *RateLimitConfig

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn

	routesMu sync.Mutex
	subs     map[string][]*bridgeConn
	next     map[string]int
	replies  map[string]*bridgeConn
}

type bridgeMetrics struct {
	connections prometheus.Gauge
	routed      *prometheus.CounterVec
}

// NewBridge creates a bridge. It does not listen until Start; ServeHTTP can
// be mounted on any mux instead.
func NewBridge(cfg *BridgeConfig) *Bridge {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultBridgePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &bridgeMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kephasbus",
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Open bridge connections",
		}),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kephasbus",
				Subsystem: "bridge",
				Name:      "envelopes_total",
				Help:      "Envelopes received by the bridge, by type",
			},
			[]string{"type"},
		),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.connections, m.routed)
	}

	return &Bridge{
		addr:            cfg.Addr,
		path:            path,
		log:             logger.Named("bridge"),
		metrics:         m,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		subs:    make(map[string][]*bridgeConn),
		next:    make(map[string]int),
		replies: make(map[string]*bridgeConn),
	}
}

// Start starts listening on the configured address
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bridge already running")
	}
	b.running = true
	b.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(b.path, b)

	b.server = &http.Server{
		Addr:    b.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		b.log.Info("listening", zap.String("addr", b.addr), zap.String("path", b.path))
		return nil
	}
}

// Stop closes every connection and shuts the listener down
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.CloseConnections()

	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}

// CloseConnections closes every open connection without stopping the listener
func (b *Bridge) CloseConnections() {
	b.conns.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*bridgeConn); ok {
			conn.closeWithCode(websocket.CloseGoingAway, "bridge shutting down")
		}
		return true
	})
}

// Publish delivers body to every connection registered on address
func (b *Bridge) Publish(address string, body interface{}, headers map[string]string) error {
	env, err := envelope.New(kephasbus.TypePublish, address, headers, body)
	if err != nil {
		return err
	}

	b.routesMu.Lock()
	targets := append([]*bridgeConn(nil), b.subs[address]...)
	b.routesMu.Unlock()

	for _, target := range targets {
		b.deliver(target, env)
	}
	return nil
}

// Registrations returns how many connections are registered on address
func (b *Bridge) Registrations(address string) int {
	b.routesMu.Lock()
	defer b.routesMu.Unlock()
	return len(b.subs[address])
}

// ServeHTTP upgrades the request and serves the connection
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		b.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newBridgeConn(conn, r.RemoteAddr, b.rateLimitConfig)
	b.conns.Store(c.id, c)
	b.metrics.connections.Inc()

	b.handleConn(c)
}

// handleConn reads envelopes from c until it goes away
func (b *Bridge) handleConn(c *bridgeConn) {
	log := b.log.With(zap.String("conn_id", c.id), zap.String("remote_addr", c.remoteAddr))

	defer func() {
		voluntary := c.ctx.Err() == nil

		b.dropConn(c)
		b.conns.Delete(c.id)
		b.metrics.connections.Dec()
		c.close()

		if b.onDisconnect != nil {
			b.onDisconnect(c.id, voluntary)
		}
		log.Debug("disconnected", zap.Bool("voluntary", voluntary))
	}()

	// Set read deadline to prevent indefinite blocking
	c.conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
		return nil
	})

	if b.onConnect != nil {
		b.onConnect(c.id)
	}
	log.Debug("connected")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !IsExpectedCloseError(err) && c.ctx.Err() == nil {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))

		if !c.allow() {
			log.Warn("rate limit exceeded")
			c.closeWithCode(websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		env, err := envelope.Decode(string(data))
		if err != nil {
			log.Warn("invalid envelope", zap.Error(err))
			c.closeWithCode(websocket.CloseProtocolError, "Invalid envelope")
			return
		}

		b.route(c, env)
	}
}

// route applies one envelope received from c
func (b *Bridge) route(from *bridgeConn, env *envelope.Envelope) {
	b.metrics.routed.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case kephasbus.TypePing:
		// The read deadline was already pushed back.

	case kephasbus.TypeRegister:
		b.routesMu.Lock()
		if indexOf(b.subs[env.Address], from) < 0 {
			b.subs[env.Address] = append(b.subs[env.Address], from)
		}
		b.routesMu.Unlock()

	case kephasbus.TypeUnregister:
		b.routesMu.Lock()
		b.removeSubLocked(env.Address, from)
		b.routesMu.Unlock()

	case kephasbus.TypePublish:
		b.routesMu.Lock()
		targets := append([]*bridgeConn(nil), b.subs[env.Address]...)
		b.routesMu.Unlock()

		for _, target := range targets {
			b.deliver(target, env)
		}

	case kephasbus.TypeSend:
		b.routeSend(from, env)

	default:
		b.log.Warn("unsupported envelope type", zap.String("type", env.Type), zap.String("conn_id", from.id))
	}
}

func (b *Bridge) routeSend(from *bridgeConn, env *envelope.Envelope) {
	b.routesMu.Lock()

	target, isReply := b.replies[env.Address]
	if isReply {
		delete(b.replies, env.Address)
	} else {
		list := b.subs[env.Address]
		if len(list) == 0 {
			b.routesMu.Unlock()
			b.noHandlers(from, env)
			return
		}
		i := b.next[env.Address] % len(list)
		b.next[env.Address] = i + 1
		target = list[i]
	}

	if env.ReplyAddress != "" {
		b.replies[env.ReplyAddress] = from
	}
	b.routesMu.Unlock()

	b.deliver(target, env)
}

func (b *Bridge) noHandlers(from *bridgeConn, env *envelope.Envelope) {
	if env.ReplyAddress == "" {
		b.log.Debug("no handlers for send", zap.String("address", env.Address))
		return
	}

	b.deliver(from, &envelope.Envelope{
		Type:        kephasbus.TypeErr,
		Address:     env.ReplyAddress,
		FailureCode: -1,
		FailureType: kephasbus.FailureNoHandlers,
		Message:     "No handlers for address " + env.Address,
	})
}

func (b *Bridge) deliver(to *bridgeConn, env *envelope.Envelope) {
	text, err := envelope.Encode(env)
	if err != nil {
		b.log.Warn("encoding envelope failed", zap.Error(err))
		return
	}
	if err := to.send(text); err != nil {
		b.log.Debug("delivery failed", zap.String("conn_id", to.id), zap.Error(err))
	}
}

// dropConn forgets every registration and pending reply of c
func (b *Bridge) dropConn(c *bridgeConn) {
	b.routesMu.Lock()
	defer b.routesMu.Unlock()

	for address := range b.subs {
		b.removeSubLocked(address, c)
	}
	for replyAddress, origin := range b.replies {
		if origin == c {
			delete(b.replies, replyAddress)
		}
	}
}

func (b *Bridge) removeSubLocked(address string, c *bridgeConn) {
	list := b.subs[address]
	i := indexOf(list, c)
	if i < 0 {
		return
	}
	remaining := make([]*bridgeConn, 0, len(list)-1)
	remaining = append(remaining, list[:i]...)
	remaining = append(remaining, list[i+1:]...)
	if len(remaining) == 0 {
		delete(b.subs, address)
		delete(b.next, address)
		return
	}
	b.subs[address] = remaining
}

func indexOf(list []*bridgeConn, c *bridgeConn) int {
	for i, entry := range list {
		if entry == c {
			return i
		}
	}
	return -1
}
