package reload

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(out *syncBuffer) colorlog.Options {
	noColor := false
	return colorlog.Options{Output: out, UseColor: &noColor}
}

func startServer(t *testing.T, onReload func([]string)) (net.Listener, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerOptions{OnReload: onReload})
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln, cancel
}

func TestReloadRoundTrip(t *testing.T) {
	got := make(chan []string, 1)
	ln, _ := startServer(t, func(files []string) { got <- files })

	c := NewClient(ClientOptions{Addr: func() string { return ln.Addr().String() }})
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	assert.True(t, c.SendReload([]string{"src/a.ts", "src/b.ts"}))
	select {
	case files := <-got:
		assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, files)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not delivered")
	}
}

func TestServerSkipsMalformedFrames(t *testing.T) {
	got := make(chan []string, 4)
	ln, _ := startServer(t, func(files []string) { got <- files })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n{\"type\":\"bogus\",\"timestamp\":1}\n\n" +
		`{"type":"reload","files":["x.ts"],"timestamp":2}` + "\n"))
	require.NoError(t, err)

	select {
	case files := <-got:
		assert.Equal(t, []string{"x.ts"}, files)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not delivered")
	}
	assert.Empty(t, got)
}

func TestServerAnswersPing(t *testing.T) {
	ln, _ := startServer(t, nil)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Encode(conn, NewPing()))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	msg, err := Decode(bytes.TrimSpace(line))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
}

func TestConnectExhaustsRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var dials atomic.Int32
	c := NewClient(ClientOptions{
		Addr: func() string {
			dials.Add(1)
			return addr
		},
		Attempts: 3,
		Delay:    10 * time.Millisecond,
	})
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
	assert.EqualValues(t, 3, dials.Load())
}

func TestSendReloadWhileDisconnectedWarns(t *testing.T) {
	var out syncBuffer
	c := NewClient(ClientOptions{Logger: colorlog.New("reload", testLogger(&out))})

	assert.NotPanics(t, func() {
		assert.False(t, c.SendReload([]string{"a.ts"}))
	})
	assert.Contains(t, out.String(), "dropping reload")
}

func TestClientReconnectsOnce(t *testing.T) {
	first, stopFirst := startServer(t, nil)
	got := make(chan []string, 256)
	second, _ := startServer(t, func(files []string) { got <- files })

	var addr atomic.Value
	addr.Store(first.Addr().String())
	var out syncBuffer
	c := NewClient(ClientOptions{
		Addr:           func() string { return addr.Load().(string) },
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         colorlog.New("reload", testLogger(&out)),
	})
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	addr.Store(second.Addr().String())
	stopFirst()

	require.Eventually(t, func() bool {
		c.SendReload([]string{"after.ts"})
		select {
		case files := <-got:
			return assert.Equal(t, []string{"after.ts"}, files)
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
