package eventbus

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/internal/envelope"
)

// fakeTransport records outbound frames and lets tests fire transport events.
type fakeTransport struct {
	mu       sync.Mutex
	events   kephasbus.TransportEvents
	sent     []string
	attempts int
	opened   bool
	closed   bool
	sendErr  error
	onSend   func(text string)
}

func (f *fakeTransport) SetEvents(events kephasbus.TransportEvents) {
	f.events = events
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	f.attempts++
	hook := f.onSend
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, text)
	}
	f.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	return err
}

func (f *fakeTransport) fireOpen() {
	f.events.OnOpen()
}

func (f *fakeTransport) fireClose() {
	f.events.OnClose()
}

func (f *fakeTransport) fireMessage(data string) {
	f.events.OnMessage(data)
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// frames returns every decoded outbound envelope
func (f *fakeTransport) frames(t *testing.T) []*envelope.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*envelope.Envelope, 0, len(f.sent))
	for _, text := range f.sent {
		env, err := envelope.Decode(text)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// framesOfType returns outbound envelopes of the given type
func (f *fakeTransport) framesOfType(t *testing.T, typ string) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for _, env := range f.frames(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// newTestClient returns a client that is not open yet. The mock clock keeps
// the heartbeat from ticking on its own.
func newTestClient(t *testing.T, opts *Options) (*Client, *fakeTransport, *clock.Mock) {
	t.Helper()

	if opts == nil {
		opts = &Options{}
	}
	mock := clock.NewMock()
	if opts.Clock == nil {
		opts.Clock = mock
	}

	ft := &fakeTransport{}
	c, err := New(ft, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if c.State() != kephasbus.Closed {
			ft.fireClose()
		}
	})
	return c, ft, mock
}

// newOpenClient returns a client that has already seen OnOpen.
func newOpenClient(t *testing.T, opts *Options) (*Client, *fakeTransport, *clock.Mock) {
	t.Helper()
	c, ft, mock := newTestClient(t, opts)
	ft.fireOpen()
	require.Equal(t, kephasbus.Open, c.State())
	return c, ft, mock
}
