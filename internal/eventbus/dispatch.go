package eventbus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// handleMessage routes one inbound frame. Registered handlers take priority
// over a pending reply on the same address; err frames nobody waits for go to
// OnError, anything else unroutable is logged and dropped.
func (c *Client) handleMessage(data string) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.metrics.framesReceived.WithLabelValues("invalid").Inc()
		c.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", len(data)))
		c.reportError(&kephasbus.Failure{
			FailureCode: -1,
			FailureType: kephasbus.FailureDecode,
			Message:     err.Error(),
		})
		return
	}
	c.metrics.framesReceived.WithLabelValues(env.Type).Inc()

	if env.Type == kephasbus.TypePing {
		return
	}

	failure := env.Failure()
	var msg kephasbus.Message
	if failure == nil {
		msg = &message{client: c, env: env}
	}

	c.mu.Lock()
	if list, ok := c.handlers[env.Address]; ok {
		regs := make([]*registration, len(list))
		copy(regs, list)
		c.mu.Unlock()

		for _, r := range regs {
			c.invoke(env.Address, r.handler, failure, msg)
		}
		return
	}

	if h, ok := c.replyHandlers[env.Address]; ok {
		// Removed before the call so a reentrant send can never see it.
		delete(c.replyHandlers, env.Address)
		c.metrics.pendingReplies.Dec()
		c.mu.Unlock()

		c.invoke(env.Address, h, failure, msg)
		return
	}
	c.mu.Unlock()

	if failure != nil {
		c.reportError(failure)
		return
	}

	c.metrics.unroutable.Inc()
	c.log.Warn("no handler for message", zap.String("address", env.Address), zap.String("type", env.Type))
}

// invoke calls h and recovers a panic so one bad handler does not stop
// delivery to the next one or kill the transport's reader.
func (c *Client) invoke(address string, h kephasbus.Handler, failure *kephasbus.Failure, msg kephasbus.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.handlerPanics.Inc()
			c.log.Error("handler panicked", zap.String("address", address), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(failure, msg)
}

func (c *Client) reportError(failure *kephasbus.Failure) {
	if c.opts.OnError == nil {
		c.log.Warn("unhandled bus error",
			zap.Int("failure_code", failure.FailureCode),
			zap.String("failure_type", failure.FailureType),
			zap.String("message", failure.Message))
		return
	}
	c.opts.OnError(failure)
}
