// Package kephasbus is a client for event bus bridges: addressable
// point-to-point, publish/subscribe and request/reply messaging over a single
// websocket connection.
//
// This package holds the contracts. The ws package dials a bus over
// websockets and also provides the Bridge server it talks to.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasbus"
//	    "github.com/luciancaetano/kephasbus/ws"
//	)
//
//	bus, err := ws.Connect(ctx, ws.DefaultClientConfig("ws://localhost:8080/eventbus"), &ws.Options{
//	    DefaultHeaders: map[string]string{"token": "secret"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	// Handlers on the same address run in registration order
//	bus.RegisterHandler("chat", nil, func(err *kephasbus.Failure, msg kephasbus.Message) {
//	    if err != nil {
//	        return
//	    }
//	    fmt.Printf("chat: %s\n", msg.Body())
//	})
//
//	bus.Publish("chat", map[string]string{"text": "hello"}, nil)
//
//	bus.Request("echo", 42, nil, func(err *kephasbus.Failure, reply kephasbus.Message) {
//	    // called once, with the reply or the failure
//	})
//
// # Protocol Format
//
// Every frame is one JSON envelope sent as a websocket text message:
//
//	{"type":"send","address":"echo","headers":{},"body":42,"replyAddress":"<uuid>"}
//
// type is one of send, publish, register, unregister, ping and err. err
// envelopes carry failureCode, failureType and message instead of a body.
// A ping is sent as soon as the connection opens and every PingInterval
// (5s by default) after that.
//
// # Connection States
//
// A bus starts in Connecting, becomes Open when the transport connects,
// Closing when Close is called and Closed once the transport is gone.
// Operations outside Open fail with ErrInvalidState and send nothing.
//
// # Delivery
//
//   - A frame for an address with local handlers goes to all of them, in order
//   - Otherwise a frame for a pending reply address goes to that reply handler, once
//   - Otherwise an err frame goes to Options.OnError; anything else is dropped and logged
//
// Handlers run on the transport's reader goroutine. A handler that panics
// is recovered and logged, and the remaining handlers still run.
//
// # Important
//
//   - Replies that never arrive keep their handler until the bus closes
//   - Configure CheckOriginFn on the bridge in production (never use ws.AllOrigins() there)
package kephasbus
