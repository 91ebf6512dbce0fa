package eventbus

import (
	"github.com/google/uuid"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// Send sends body to address without expecting a reply
func (c *Client) Send(address string, body interface{}, headers map[string]string) error {
	return c.send(address, body, headers, nil)
}

// Request sends body to address and calls h once with the reply
func (c *Client) Request(address string, body interface{}, headers map[string]string, h kephasbus.Handler) error {
	if h == nil {
		return kephasbus.ErrNilHandler
	}
	return c.send(address, body, headers, h)
}

// Publish sends body to every handler of address
func (c *Client) Publish(address string, body interface{}, headers map[string]string) error {
	if address == "" {
		return kephasbus.ErrEmptyAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpenLocked("publish"); err != nil {
		return err
	}

	env, err := envelope.New(kephasbus.TypePublish, address, envelope.MergeHeaders(c.defaultHeaders, headers), body)
	if err != nil {
		return err
	}
	return c.transmitLocked(env)
}

func (c *Client) send(address string, body interface{}, headers map[string]string, h kephasbus.Handler) error {
	if address == "" {
		return kephasbus.ErrEmptyAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpenLocked("send"); err != nil {
		return err
	}

	env, err := envelope.New(kephasbus.TypeSend, address, envelope.MergeHeaders(c.defaultHeaders, headers), body)
	if err != nil {
		return err
	}

	if h != nil {
		// The handler must be in place before the frame leaves.
		env.ReplyAddress = uuid.New().String()
		c.replyHandlers[env.ReplyAddress] = h
		c.metrics.pendingReplies.Inc()
	}

	if err := c.transmitLocked(env); err != nil {
		if h != nil {
			delete(c.replyHandlers, env.ReplyAddress)
			c.metrics.pendingReplies.Dec()
		}
		return err
	}
	return nil
}
