package eventbus

import (
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// startHeartbeatLocked sends the first ping right away and then one every
// PingInterval until stopHeartbeatLocked. Pings are never acknowledged.
func (c *Client) startHeartbeatLocked() {
	c.pingLocked()

	ticker := c.opts.Clock.Ticker(c.opts.PingInterval)
	stop := make(chan struct{})
	c.heartbeat = ticker
	c.stopHeartbeat = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.ping()
			}
		}
	}()
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat == nil {
		return
	}
	c.heartbeat.Stop()
	close(c.stopHeartbeat)
	c.heartbeat = nil
	c.stopHeartbeat = nil
}

func (c *Client) ping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != kephasbus.Open {
		return
	}
	c.pingLocked()
}

func (c *Client) pingLocked() {
	if err := c.transmitLocked(envelope.Ping()); err != nil {
		c.log.Debug("ping failed", zap.Error(err))
	}
}
