package websocket

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// peer is a raw websocket client speaking envelopes
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func startBridge(t *testing.T, cfg *BridgeConfig) (*Bridge, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = &BridgeConfig{RateLimitConfig: NoRateLimit()}
	}
	b := NewBridge(cfg)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.CloseConnections()
		srv.Close()
	})
	return b, srv
}

func dialPeer(t *testing.T, srv *httptest.Server) *peer {
	t.Helper()
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) write(env *envelope.Envelope) {
	p.t.Helper()
	text, err := envelope.Encode(env)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (p *peer) writeRaw(text string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (p *peer) read() *envelope.Envelope {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	env, err := envelope.Decode(string(data))
	require.NoError(p.t, err)
	return env
}

// expectSilence checks nothing arrives for a short while
func (p *peer) expectSilence() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := p.conn.ReadMessage()
	require.Error(p.t, err, "unexpected frame %s", data)
}

func (p *peer) register(b *Bridge, address string, want int) {
	p.t.Helper()
	p.write(&envelope.Envelope{Type: kephasbus.TypeRegister, Address: address})
	require.Eventually(p.t, func() bool { return b.Registrations(address) == want }, 5*time.Second, 5*time.Millisecond)
}

func TestBridgePublishFanOut(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, nil)
	a, c, sender := dialPeer(t, srv), dialPeer(t, srv), dialPeer(t, srv)
	a.register(b, "news", 1)
	c.register(b, "news", 2)

	body, _ := envelope.New(kephasbus.TypePublish, "news", map[string]string{"k": "v"}, "hi")
	sender.write(body)

	for _, p := range []*peer{a, c} {
		got := p.read()
		assert.Equal(t, kephasbus.TypePublish, got.Type)
		assert.Equal(t, "news", got.Address)
		assert.Equal(t, map[string]string{"k": "v"}, got.Headers)
		assert.JSONEq(t, `"hi"`, string(got.Body))
	}
	sender.expectSilence()
}

func TestBridgeSendRoundRobin(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, nil)
	a, c, sender := dialPeer(t, srv), dialPeer(t, srv), dialPeer(t, srv)
	a.register(b, "work", 1)
	c.register(b, "work", 2)

	for i := 0; i < 4; i++ {
		env, _ := envelope.New(kephasbus.TypeSend, "work", nil, i)
		sender.write(env)
	}

	assert.JSONEq(t, `0`, string(a.read().Body))
	assert.JSONEq(t, `1`, string(c.read().Body))
	assert.JSONEq(t, `2`, string(a.read().Body))
	assert.JSONEq(t, `3`, string(c.read().Body))
}

func TestBridgeRoutesReplies(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, nil)
	responder, requester := dialPeer(t, srv), dialPeer(t, srv)
	responder.register(b, "echo", 1)

	req, _ := envelope.New(kephasbus.TypeSend, "echo", nil, map[string]int{"x": 1})
	req.ReplyAddress = "reply-1"
	requester.write(req)

	got := responder.read()
	assert.Equal(t, "reply-1", got.ReplyAddress)

	// The reply asks for a reply of its own.
	reply, _ := envelope.New(kephasbus.TypeSend, "reply-1", nil, map[string]int{"x": 1})
	reply.ReplyAddress = "reply-2"
	responder.write(reply)

	back := requester.read()
	assert.Equal(t, "reply-1", back.Address)
	assert.Equal(t, "reply-2", back.ReplyAddress)
	assert.JSONEq(t, `{"x":1}`, string(back.Body))

	final, _ := envelope.New(kephasbus.TypeSend, "reply-2", nil, "done")
	requester.write(final)
	assert.JSONEq(t, `"done"`, string(responder.read().Body))

	// reply-1 is spent.
	again, _ := envelope.New(kephasbus.TypeSend, "reply-1", nil, "again")
	responder.write(again)
	requester.expectSilence()
}

func TestBridgeNoHandlers(t *testing.T) {
	t.Parallel()

	_, srv := startBridge(t, nil)
	sender := dialPeer(t, srv)

	req, _ := envelope.New(kephasbus.TypeSend, "nobody", nil, 1)
	req.ReplyAddress = "reply-x"
	sender.write(req)

	got := sender.read()
	assert.Equal(t, kephasbus.TypeErr, got.Type)
	assert.Equal(t, "reply-x", got.Address)
	assert.Equal(t, -1, got.FailureCode)
	assert.Equal(t, kephasbus.FailureNoHandlers, got.FailureType)
	assert.Contains(t, got.Message, "nobody")

	// Without a reply address nothing comes back.
	fire, _ := envelope.New(kephasbus.TypeSend, "nobody", nil, 1)
	sender.write(fire)
	sender.expectSilence()
}

func TestBridgeUnregister(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, nil)
	a, sender := dialPeer(t, srv), dialPeer(t, srv)
	a.register(b, "news", 1)
	a.register(b, "news", 1) // registering twice keeps one entry

	a.write(&envelope.Envelope{Type: kephasbus.TypeUnregister, Address: "news"})
	require.Eventually(t, func() bool { return b.Registrations("news") == 0 }, 5*time.Second, 5*time.Millisecond)

	pub, _ := envelope.New(kephasbus.TypePublish, "news", nil, "hi")
	sender.write(pub)
	a.expectSilence()
}

func TestBridgeDropsRegistrationsOnDisconnect(t *testing.T) {
	t.Parallel()

	disconnected := make(chan string, 1)
	b, srv := startBridge(t, &BridgeConfig{
		RateLimitConfig: NoRateLimit(),
		OnDisconnect:    func(id string, _ bool) { disconnected <- id },
	})
	a := dialPeer(t, srv)
	a.register(b, "news", 1)

	a.conn.Close()
	select {
	case id := <-disconnected:
		assert.NotEmpty(t, id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	assert.Equal(t, 0, b.Registrations("news"))
}

func TestBridgeServerPublish(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, nil)
	a := dialPeer(t, srv)
	a.register(b, "alerts", 1)

	require.NoError(t, b.Publish("alerts", map[string]string{"level": "high"}, nil))
	got := a.read()
	assert.Equal(t, kephasbus.TypePublish, got.Type)
	assert.JSONEq(t, `{"level":"high"}`, string(got.Body))
}

func TestBridgeRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	_, srv := startBridge(t, nil)
	p := dialPeer(t, srv)
	p.writeRaw(`this is not an envelope`)

	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := p.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestBridgeRateLimit(t *testing.T) {
	t.Parallel()

	_, srv := startBridge(t, &BridgeConfig{
		RateLimitConfig: &RateLimitConfig{MessagesPerSecond: 1, Burst: 2, Enabled: true},
	})
	p := dialPeer(t, srv)
	for i := 0; i < 3; i++ {
		p.write(envelope.Ping())
	}

	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := p.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestBridgeConnectionGauge(t *testing.T) {
	t.Parallel()

	connected := make(chan string, 2)
	b, srv := startBridge(t, &BridgeConfig{
		RateLimitConfig: NoRateLimit(),
		OnConnect:       func(id string) { connected <- id },
	})
	dialPeer(t, srv)
	dialPeer(t, srv)
	<-connected
	<-connected

	assert.Equal(t, float64(2), testutil.ToFloat64(b.metrics.connections))
}

func TestBridgeStartStop(t *testing.T) {
	t.Parallel()

	b := NewBridge(&BridgeConfig{Addr: "127.0.0.1:0"})
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	assert.Error(t, b.Start(ctx), "second start")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))
	require.NoError(t, b.Stop(stopCtx), "stopping twice is fine")
}
