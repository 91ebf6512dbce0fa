package eventbus

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

var _ kephasbus.Bus = (*Client)(nil)

// Client implements kephasbus.Bus on top of a kephasbus.Transport.
//
// Transport events and heartbeat ticks arrive on their own goroutines. All
// state lives behind mu, and callbacks always run with mu released.
type Client struct {
	transport kephasbus.Transport
	opts      Options
	log       *zap.Logger
	metrics   *Metrics

	mu             sync.Mutex
	state          kephasbus.State
	handlers       map[string][]*registration
	replyHandlers  map[string]kephasbus.Handler
	defaultHeaders map[string]string
	heartbeat      *clock.Ticker
	stopHeartbeat  chan struct{}
}

// New creates a client and opens t. The client starts in Connecting and
// moves to Open when t reports it.
func New(t kephasbus.Transport, opts *Options) (*Client, error) {
	o := opts.withDefaults()

	c := &Client{
		transport:      t,
		opts:           o,
		log:            o.Logger.Named("eventbus"),
		metrics:        o.Metrics,
		state:          kephasbus.Connecting,
		handlers:       make(map[string][]*registration),
		replyHandlers:  make(map[string]kephasbus.Handler),
		defaultHeaders: copyHeaders(o.DefaultHeaders),
	}

	t.SetEvents(kephasbus.TransportEvents{
		OnOpen:    c.handleOpen,
		OnClose:   c.handleClose,
		OnMessage: c.handleMessage,
	})

	if err := t.Open(); err != nil {
		return nil, errors.Wrap(err, "opening transport")
	}
	return c, nil
}

// State returns the current connection state
func (c *Client) State() kephasbus.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDefaultHeaders replaces the default headers
func (c *Client) SetDefaultHeaders(headers map[string]string) {
	c.mu.Lock()
	c.defaultHeaders = copyHeaders(headers)
	c.mu.Unlock()
}

// Close moves the client to Closing and asks the transport to close.
// Pending replies and registrations are abandoned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == kephasbus.Closed || c.state == kephasbus.Closing {
		c.mu.Unlock()
		return nil
	}
	c.state = kephasbus.Closing
	c.mu.Unlock()

	c.log.Debug("closing")
	return c.transport.Close()
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	if c.state != kephasbus.Connecting {
		// Close was called before the transport finished opening.
		c.mu.Unlock()
		return
	}
	c.state = kephasbus.Open
	c.startHeartbeatLocked()
	c.mu.Unlock()

	c.log.Debug("open", zap.Duration("ping_interval", c.opts.PingInterval))
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
}

func (c *Client) handleClose() {
	c.mu.Lock()
	if c.state == kephasbus.Closed {
		c.mu.Unlock()
		return
	}
	c.state = kephasbus.Closed
	c.stopHeartbeatLocked()
	pending := len(c.replyHandlers)
	c.mu.Unlock()

	c.log.Debug("closed", zap.Int("pending_replies", pending))
	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// checkOpenLocked returns an ErrInvalidState error unless the bus is open.
func (c *Client) checkOpenLocked(op string) error {
	if c.state != kephasbus.Open {
		return errors.Wrapf(kephasbus.ErrInvalidState, "%s: bus is %s", op, c.state)
	}
	return nil
}

// transmitLocked encodes env and hands it to the transport. Holding mu keeps
// frames in the same order as the registry and correlator changes.
func (c *Client) transmitLocked(env *envelope.Envelope) error {
	text, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := c.transport.Send(text); err != nil {
		return errors.Wrapf(err, "sending %s to %q", env.Type, env.Address)
	}
	c.metrics.framesSent.WithLabelValues(env.Type).Inc()
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
