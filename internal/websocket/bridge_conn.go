package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasbus"
)

const (
	bridgeSendBuffer   = 256
	bridgeReadTimeout  = 60 * time.Second
	bridgeWriteTimeout = 10 * time.Second
	bridgePingPeriod   = 54 * time.Second
)

// bridgeConn is one client connection held by the bridge
type bridgeConn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming frames
}

func newBridgeConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig) *bridgeConn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &bridgeConn{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, bridgeSendBuffer),
		rateLimiter: rateLimitConfig.limiter(),
	}

	go c.writePump()

	return c
}

// send queues a text frame for the connection
func (c *bridgeConn) send(text string) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return kephasbus.ErrTransportClosed
	}

	// sendCh is never closed; ctx unblocks a full queue once the connection is gone
	select {
	case c.sendCh <- []byte(text):
		return nil
	case <-c.ctx.Done():
		return kephasbus.ErrTransportClosed
	}
}

// closeWithCode closes the connection with a close code and optional reason
func (c *bridgeConn) closeWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	// The close frame goes out before the write pump is stopped, it closes the conn on exit
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	c.cancel()

	return c.conn.Close()
}

func (c *bridgeConn) close() error {
	return c.closeWithCode(websocket.CloseNormalClosure, "")
}

// allow reports whether another inbound frame fits the rate limit
func (c *bridgeConn) allow() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps frames from the send channel to the websocket connection
func (c *bridgeConn) writePump() {
	ticker := time.NewTicker(bridgePingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Keep intermediaries from dropping an idle connection
			c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
