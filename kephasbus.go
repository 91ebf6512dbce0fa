package kephasbus

import "encoding/json"

// Bus defines the client side of an event bus bridge connection.
//
// Every mutating operation requires the connection to be Open. Calling one
// in any other state returns an error wrapping ErrInvalidState immediately;
// nothing is queued for later delivery.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasbus/ws"
//
//	bus, err := ws.Connect(ctx, ws.DefaultClientConfig("ws://localhost:8080/eventbus"), nil)
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	bus.RegisterHandler("news", nil, func(err *kephasbus.Failure, msg kephasbus.Message) {
//	    if err != nil {
//	        log.Printf("news failed: %v", err)
//	        return
//	    }
//	    log.Printf("news: %s", msg.Body())
//	})
type Bus interface {
	// Send delivers body to a single handler registered on address.
	// No reply is expected.
	Send(address string, body interface{}, headers map[string]string) error

	// Request delivers body to a single handler registered on address and
	// arranges for h to be called exactly once with the reply or failure.
	//
	// The reply handler is stored before the frame is written, so a reply
	// can never arrive ahead of it.
	//
	// Example:
	//
	//	bus.Request("echo", map[string]int{"x": 1}, nil, func(err *kephasbus.Failure, reply kephasbus.Message) {
	//	    if err != nil {
	//	        log.Printf("echo failed: %v", err)
	//	        return
	//	    }
	//	    var out map[string]int
	//	    reply.Decode(&out)
	//	})
	Request(address string, body interface{}, headers map[string]string, h Handler) error

	// Publish delivers body to every handler registered on address.
	Publish(address string, body interface{}, headers map[string]string) error

	// RegisterHandler adds h to the handlers for address. The first handler
	// for an address announces the registration to the server; later ones
	// only extend the local list. Handlers are called in registration order.
	RegisterHandler(address string, headers map[string]string, h Handler) (Registration, error)

	// UnregisterHandler removes a registration. Removing the last handler
	// of an address withdraws the registration from the server. Removing a
	// registration that is not present is a no-op.
	UnregisterHandler(reg Registration, headers map[string]string) error

	// SetDefaultHeaders replaces the headers merged into every outbound
	// envelope. Per-call headers win on conflicting keys.
	SetDefaultHeaders(headers map[string]string)

	// State returns the current connection state.
	State() State

	// Close starts shutting the connection down. The state moves to
	// Closing immediately and to Closed once the transport reports it.
	Close() error
}

// Handler receives either a failure or a message, never both.
type Handler func(err *Failure, msg Message)

// Registration identifies a single handler registered on an address.
type Registration interface {
	// Address returns the address the handler was registered on.
	Address() string

	// Unregister is shorthand for Bus.UnregisterHandler(reg, headers).
	Unregister(headers map[string]string) error
}

// Message is an inbound envelope delivered to a handler.
//
// When the sender expects an answer, ReplyAddress is non-empty and Reply
// sends the answer back. A reply may itself expect a reply, see ReplyRequest.
type Message interface {
	// Type returns the envelope type, TypeSend or TypePublish.
	Type() string

	// Address returns the address the message was delivered to.
	Address() string

	// Headers returns the headers sent with the message.
	Headers() map[string]string

	// Body returns the raw structured body.
	Body() json.RawMessage

	// Decode unmarshals the body into v.
	Decode(v interface{}) error

	// ReplyAddress returns the correlation address for replies, or "".
	ReplyAddress() string

	// Reply sends body back to the original sender.
	Reply(body interface{}, headers map[string]string) error

	// ReplyRequest sends body back to the original sender and waits for
	// the sender to answer it in turn.
	ReplyRequest(body interface{}, headers map[string]string, h Handler) error
}

// TransportEvents are the callback slots a Transport fires.
//
// OnMessage receives whole text frames in the order the peer sent them.
// OnClose fires once, whether the close was requested locally or not.
type TransportEvents struct {
	OnOpen    func()
	OnClose   func()
	OnMessage func(data string)
}

// Transport is the bidirectional text-frame connection a Bus runs on.
type Transport interface {
	// SetEvents installs the callbacks. It must be called before Open.
	SetEvents(events TransportEvents)

	// Open starts connecting. OnOpen fires once the connection is usable.
	Open() error

	// Close requests the connection to close. OnClose fires when it has.
	Close() error

	// Send queues a text frame for delivery. It must not block: the Bus
	// calls it with its lock held.
	Send(text string) error
}
