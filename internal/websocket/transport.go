package websocket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasbus"
)

var _ kephasbus.Transport = (*Transport)(nil)

// DialErr reports a failed handshake together with the HTTP response.
type DialErr struct {
	URL          string
	HTTPResponse *http.Response
}

func (de *DialErr) Error() string {
	if de.HTTPResponse != nil {
		return fmt.Sprintf("connecting to websocket %s (http status code = %v)", de.URL, de.HTTPResponse.StatusCode)
	}
	return fmt.Sprintf("connecting to websocket %s", de.URL)
}

// Transport is a kephasbus.Transport over a gorilla websocket connection.
//
// Open dials in the background; frames queued with Send are written by a
// single write pump, in order. The queue is unbounded, so Send never waits
// for the pump or its rate limiter.
type Transport struct {
	cfg     *ClientConfig
	log     *zap.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	flush    chan struct{}
	pumpDone chan struct{}

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}

	mu        sync.RWMutex
	events    kephasbus.TransportEvents
	conn      *websocket.Conn
	opened    bool
	closed    bool
	closeOnce sync.Once
}

// NewTransport creates a transport for cfg. Nothing is dialed until Open.
func NewTransport(cfg *ClientConfig) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg: cfg,
		log: logger.Named("websocket").With(zap.String("url", cfg.URL)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter:  cfg.RateLimitConfig.limiter(),
		ctx:      ctx,
		cancel:   cancel,
		flush:    make(chan struct{}),
		pumpDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// SetEvents installs the transport callbacks
func (t *Transport) SetEvents(events kephasbus.TransportEvents) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
}

// Open validates the URL and starts dialing
func (t *Transport) Open() error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return errors.Wrapf(err, "parsing url %q", t.cfg.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("unsupported url scheme %q", u.Scheme)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened {
		return errors.New("transport already opened")
	}
	if t.closed {
		return kephasbus.ErrTransportClosed
	}
	t.opened = true

	go t.run()
	return nil
}

// Send queues a text frame for the write pump and returns at once
func (t *Transport) Send(text string) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return kephasbus.ErrTransportClosed
	}

	t.qmu.Lock()
	t.queue = append(t.queue, []byte(text))
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
		// the pump already has a pending wake-up
	}
	return nil
}

// Close writes out the frames already queued, sends a normal close frame and
// shuts the connection down. OnClose fires from the reader once it notices.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	opened := t.opened
	t.mu.Unlock()

	if conn == nil {
		// Still dialing, run notices the cancelled context. Never opened,
		// nobody else will report the close.
		t.cancel()
		if !opened {
			t.fireClose()
		}
		return nil
	}

	close(t.flush)
	select {
	case <-t.pumpDone:
	case <-time.After(t.flushTimeout()):
		t.log.Debug("gave up flushing queued frames")
	}
	t.cancel()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return conn.Close()
}

func (t *Transport) run() {
	defer t.fireClose()

	conn, resp, err := t.dialer.DialContext(t.ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		if resp != nil {
			err = &DialErr{URL: t.cfg.URL, HTTPResponse: resp}
		}
		t.log.Warn("dial failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	if t.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(t.cfg.MaxMessageSize)
	}

	go t.writePump(conn)

	t.log.Debug("connected")
	if ev := t.getEvents(); ev.OnOpen != nil {
		ev.OnOpen()
	}

	t.readPump(conn)
}

// readPump delivers text frames until the connection fails or closes
func (t *Transport) readPump(conn *websocket.Conn) {
	defer t.cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !IsExpectedCloseError(err) {
				t.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			t.log.Debug("ignoring non-text frame", zap.Int("message_type", msgType))
			continue
		}
		if ev := t.getEvents(); ev.OnMessage != nil {
			ev.OnMessage(string(data))
		}
	}
}

// writePump pumps queued frames to the websocket connection.
// On flush it writes whatever is still queued and exits.
func (t *Transport) writePump(conn *websocket.Conn) {
	defer close(t.pumpDone)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.flush:
			t.writeQueued(conn)
			return
		case <-t.wake:
			if !t.writeQueued(conn) {
				return
			}
		}
	}
}

// writeQueued writes frames until the queue is empty
func (t *Transport) writeQueued(conn *websocket.Conn) bool {
	for {
		t.qmu.Lock()
		batch := t.queue
		t.queue = nil
		t.qmu.Unlock()

		if len(batch) == 0 {
			return true
		}
		for _, data := range batch {
			if !t.write(conn, data) {
				return false
			}
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) bool {
	if t.limiter != nil {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return false
		}
	}
	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.log.Warn("write failed", zap.Error(err))
		// Unblocks the reader, which reports the close.
		conn.Close()
		return false
	}
	return true
}

func (t *Transport) flushTimeout() time.Duration {
	if t.cfg.WriteTimeout > 0 {
		return t.cfg.WriteTimeout
	}
	return time.Second
}

func (t *Transport) fireClose() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()

		t.log.Debug("closed")
		if ev := t.getEvents(); ev.OnClose != nil {
			ev.OnClose()
		}
	})
}

func (t *Transport) getEvents() kephasbus.TransportEvents {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events
}

// IsExpectedCloseError reports whether err is a clean disconnection.
func IsExpectedCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed)
}
