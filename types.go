package kephasbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the connection state of a Bus.
type State int

// Connection states. Transitions only move forward; a closed bus is never reopened.
const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Envelope types exchanged with the bridge.
const (
	TypeSend       = "send"
	TypePublish    = "publish"
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypePing       = "ping"
	TypeErr        = "err"
)

// Failure types produced locally or by the bundled bridge.
const (
	// FailureDecode reports an inbound frame that could not be parsed.
	FailureDecode = "DECODE_ERROR"
	// FailureNoHandlers reports a send to an address nobody listens on.
	FailureNoHandlers = "NO_HANDLERS"
)

// Standard errors
var (
	// ErrInvalidState is returned when an operation needs an open bus.
	ErrInvalidState = errors.New("INVALID_STATE_ERR")

	ErrTransportClosed = errors.New("transport closed")
	ErrEmptyAddress    = errors.New("address must not be empty")
	ErrNilHandler      = errors.New("handler must not be nil")
	ErrNoReplyAddress  = errors.New("message does not expect a reply")
	ErrNoBody          = errors.New("message has no body")
)

// Failure is an application error reported by the remote side.
type Failure struct {
	FailureCode int    `json:"failureCode"`
	FailureType string `json:"failureType"`
	Message     string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%d): %s", f.FailureType, f.FailureCode, f.Message)
}
