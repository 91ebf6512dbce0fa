package eventbus

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// message carries an inbound envelope together with the client it arrived
// on, which is what Reply needs to answer the sender.
type message struct {
	client *Client
	env    *envelope.Envelope
}

func (m *message) Type() string {
	return m.env.Type
}

func (m *message) Address() string {
	return m.env.Address
}

func (m *message) Headers() map[string]string {
	return copyHeaders(m.env.Headers)
}

func (m *message) Body() json.RawMessage {
	return m.env.Body
}

func (m *message) Decode(v interface{}) error {
	if len(m.env.Body) == 0 {
		return kephasbus.ErrNoBody
	}
	return errors.Wrap(json.Unmarshal(m.env.Body, v), "decoding body")
}

func (m *message) ReplyAddress() string {
	return m.env.ReplyAddress
}

func (m *message) Reply(body interface{}, headers map[string]string) error {
	if m.env.ReplyAddress == "" {
		return kephasbus.ErrNoReplyAddress
	}
	return m.client.Send(m.env.ReplyAddress, body, headers)
}

func (m *message) ReplyRequest(body interface{}, headers map[string]string, h kephasbus.Handler) error {
	if m.env.ReplyAddress == "" {
		return kephasbus.ErrNoReplyAddress
	}
	return m.client.Request(m.env.ReplyAddress, body, headers, h)
}
