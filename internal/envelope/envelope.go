package envelope

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasbus"
)

const (
	maxFrameSize = 10 * 1024 * 1024 // 10MB max frame size
	pingFrame    = `{"type":"ping"}`
)

// Envelope is the unit exchanged with the bridge, one per text frame.
type Envelope struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`

	// Set on inbound frames of type err only.
	FailureCode int    `json:"failureCode,omitempty"`
	FailureType string `json:"failureType,omitempty"`
	Message     string `json:"message,omitempty"`
}

// New builds an outbound envelope. A nil body is left off the wire.
func New(typ, address string, headers map[string]string, body interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:    typ,
		Address: address,
		Headers: headers,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding body for %q", address)
		}
		env.Body = raw
	}
	return env, nil
}

// Ping returns the liveness envelope.
func Ping() *Envelope {
	return &Envelope{Type: kephasbus.TypePing}
}

// Failure returns the failure carried by an err envelope, or nil.
func (e *Envelope) Failure() *kephasbus.Failure {
	if e.Type != kephasbus.TypeErr {
		return nil
	}
	return &kephasbus.Failure{
		FailureCode: e.FailureCode,
		FailureType: e.FailureType,
		Message:     e.Message,
	}
}

// Encode serializes env to its wire text.
func Encode(env *Envelope) (string, error) {
	if env.Type == kephasbus.TypePing {
		return pingFrame, nil
	}

	out := *env
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return "", errors.Wrap(err, "encoding envelope")
	}
	if len(data) > maxFrameSize {
		return "", errors.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxFrameSize)
	}
	return string(data), nil
}

// Decode parses a wire frame.
func Decode(data string) (*Envelope, error) {
	if len(data) > maxFrameSize {
		return nil, errors.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxFrameSize)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	if env.Type == "" {
		return nil, errors.New("decoding envelope: missing type")
	}
	return &env, nil
}

// MergeHeaders returns defaults overlaid with call. Neither input is modified
// and the result is never nil.
func MergeHeaders(defaults, call map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(call))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range call {
		merged[k] = v
	}
	return merged
}
