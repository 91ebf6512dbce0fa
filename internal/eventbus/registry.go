package eventbus

import (
	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// registration is one handler on one address. Its pointer is its identity.
type registration struct {
	client  *Client
	address string
	handler kephasbus.Handler
}

func (r *registration) Address() string {
	return r.address
}

func (r *registration) Unregister(headers map[string]string) error {
	return r.client.UnregisterHandler(r, headers)
}

// RegisterHandler appends h to the handlers of address. Only the first
// handler of an address sends a register envelope.
func (c *Client) RegisterHandler(address string, headers map[string]string, h kephasbus.Handler) (kephasbus.Registration, error) {
	if address == "" {
		return nil, kephasbus.ErrEmptyAddress
	}
	if h == nil {
		return nil, kephasbus.ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpenLocked("register handler"); err != nil {
		return nil, err
	}

	if len(c.handlers[address]) == 0 {
		env, err := envelope.New(kephasbus.TypeRegister, address, envelope.MergeHeaders(c.defaultHeaders, headers), nil)
		if err != nil {
			return nil, err
		}
		if err := c.transmitLocked(env); err != nil {
			return nil, err
		}
		c.metrics.registeredAddresses.Inc()
	}

	reg := &registration{client: c, address: address, handler: h}
	c.handlers[address] = append(c.handlers[address], reg)
	return reg, nil
}

// UnregisterHandler removes reg. When it was the last handler of its address
// the address is dropped and an unregister envelope is sent, so the next
// RegisterHandler announces the address again.
func (c *Client) UnregisterHandler(reg kephasbus.Registration, headers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpenLocked("unregister handler"); err != nil {
		return err
	}

	r, ok := reg.(*registration)
	if !ok || r.client != c {
		return nil
	}

	list := c.handlers[r.address]
	idx := -1
	for i, entry := range list {
		if entry == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	if len(list) > 1 {
		remaining := make([]*registration, 0, len(list)-1)
		remaining = append(remaining, list[:idx]...)
		remaining = append(remaining, list[idx+1:]...)
		c.handlers[r.address] = remaining
		return nil
	}

	// The last handler stays until the server has been told, so a failed
	// unregister can be retried.
	env, err := envelope.New(kephasbus.TypeUnregister, r.address, envelope.MergeHeaders(c.defaultHeaders, headers), nil)
	if err != nil {
		return err
	}
	if err := c.transmitLocked(env); err != nil {
		return err
	}

	delete(c.handlers, r.address)
	c.metrics.registeredAddresses.Dec()
	return nil
}
