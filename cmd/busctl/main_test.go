package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/ws"
)

func startBridge(t *testing.T) (*ws.Bridge, string) {
	t.Helper()
	bridge := ws.NewBridge(&ws.BridgeConfig{RateLimitConfig: ws.NoRateLimit()})
	srv := httptest.NewServer(bridge)
	t.Cleanup(func() {
		bridge.CloseConnections()
		srv.Close()
	})
	return bridge, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectBus(t *testing.T, url string) kephasbus.Bus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, err := ws.Connect(ctx, ws.DefaultClientConfig(url), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

// run executes busctl with args and returns what it printed
func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRoot().Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestPublishCommand(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	listener := connectBus(t, url)

	got := make(chan kephasbus.Message, 1)
	_, err := listener.RegisterHandler("news", nil, func(_ *kephasbus.Failure, msg kephasbus.Message) {
		got <- msg
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Registrations("news") == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = run(t, context.Background(), "publish", "--url", url, "-H", "k=v", "news", `{"title":"hi"}`)
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"title":"hi"}`, string(msg.Body()))
		assert.Equal(t, map[string]string{"k": "v"}, msg.Headers())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestSendCommandPlainBody(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	worker := connectBus(t, url)

	got := make(chan string, 1)
	_, err := worker.RegisterHandler("jobs", nil, func(_ *kephasbus.Failure, msg kephasbus.Message) {
		var s string
		msg.Decode(&s)
		got <- s
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Registrations("jobs") == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = run(t, context.Background(), "send", "--url", url, "jobs", "resize images")
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "resize images", s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for send")
	}
}

func TestRequestCommand(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	responder := connectBus(t, url)
	_, err := responder.RegisterHandler("echo", nil, func(_ *kephasbus.Failure, msg kephasbus.Message) {
		msg.Reply(msg.Body(), map[string]string{"echoed": "yes"})
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Registrations("echo") == 1 }, 5*time.Second, 5*time.Millisecond)

	out, err := run(t, context.Background(), "request", "--url", url, "echo", `{"x":1}`)
	require.NoError(t, err)

	fields := strings.SplitN(strings.TrimSpace(out), " ", 4)
	require.Len(t, fields, 4, out)
	assert.Equal(t, kephasbus.TypeSend, fields[0])
	assert.JSONEq(t, `{"echoed":"yes"}`, fields[2])
	assert.JSONEq(t, `{"x":1}`, fields[3])
}

func TestRequestCommandNoHandlers(t *testing.T) {
	t.Parallel()

	_, url := startBridge(t)
	_, err := run(t, context.Background(), "request", "--url", url, "nobody", "1")

	var failure *kephasbus.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, kephasbus.FailureNoHandlers, failure.FailureType)
}

func TestRequestCommandTimeout(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	silent := connectBus(t, url)
	_, err := silent.RegisterHandler("void", nil, func(*kephasbus.Failure, kephasbus.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Registrations("void") == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = run(t, context.Background(), "request", "--url", url, "--timeout", "50ms", "void", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reply")
}

func TestListenCommand(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	publisher := connectBus(t, url)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(t, context.Background(), "listen", "--url", url, "--count", "2", "--reply", `"ack"`, "a", "b")
		done <- result{out, err}
	}()
	require.Eventually(t, func() bool {
		return bridge.Registrations("a") == 1 && bridge.Registrations("b") == 1
	}, 5*time.Second, 5*time.Millisecond)

	acks := make(chan string, 1)
	require.NoError(t, publisher.Publish("a", 1, nil))
	require.NoError(t, publisher.Request("b", 2, nil, func(_ *kephasbus.Failure, msg kephasbus.Message) {
		var s string
		msg.Decode(&s)
		acks <- s
	}))

	select {
	case s := <-acks:
		assert.Equal(t, "ack", s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		lines := strings.Split(strings.TrimSpace(r.out), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "publish a {} 1", lines[0])
		assert.Equal(t, "send b {} 2", lines[1])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listen to exit")
	}
}

func TestListenCommandContextDone(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := run(t, ctx, "listen", "--url", url, "a")
		done <- err
	}()
	require.Eventually(t, func() bool { return bridge.Registrations("a") == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestConfigFileURL(t *testing.T) {
	t.Parallel()

	bridge, url := startBridge(t)
	listener := connectBus(t, url)
	got := make(chan struct{}, 1)
	_, err := listener.RegisterHandler("cfg", nil, func(*kephasbus.Failure, kephasbus.Message) {
		got <- struct{}{}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Registrations("cfg") == 1 }, 5*time.Second, 5*time.Millisecond)

	path := filepath.Join(t.TempDir(), "busctl.toml")
	content := "[bus]\nurl = \"" + url + "\"\n\n[rate_limit]\nenabled = false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err = run(t, context.Background(), "publish", "--config", path, "cfg", "true")
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"send", "only-address"},
		{"publish"},
		{"request", "a", "b", "c"},
		{"listen"},
		{"bridge", "extra"},
	} {
		_, err := run(t, context.Background(), args...)
		assert.IsType(t, usageError{}, err, args)
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers, err := parseHeaders([]string{"a=1", "b=x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, headers)

	headers, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, headers)

	for _, bad := range []string{"novalue", "=v"} {
		_, err := parseHeaders([]string{bad})
		assert.IsType(t, usageError{}, err, bad)
	}
}

func TestParseBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg  string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`[1,2]`, `[1,2]`},
		{`42`, `42`},
		{`"quoted"`, `"quoted"`},
		{`plain text`, `"plain text"`},
		{`{broken`, `"{broken"`},
	}
	for _, tt := range tests {
		encoded, err := json.Marshal(parseBody(tt.arg))
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(encoded), tt.arg)
	}
}
