package tcpclient_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/tcpclient"
	"github.com/cyberinferno/go-sessionhub/tcpserver"
)

// echo answers every frame with "echo:" + payload.
type echo struct{}

func (echo) Connect(conn session.Conn) (*session.Session, error) {
	return session.New(conn.RemoteAddr(), conn, time.Now()), nil
}
func (echo) Message(s *session.Session, data []byte) { _ = s.Send(append([]byte("echo:"), data...)) }
func (echo) Idle(*session.Session)                   {}
func (echo) Error(*session.Session, error)           {}
func (echo) Disconnect(*session.Session)             {}

func startEcho(t *testing.T) *tcpserver.TCPServer {
	t.Helper()

	srv := tcpserver.NewTCPServer("echo", "127.0.0.1:0", echo{}, logger.NewNopLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type frames struct {
	mu  sync.Mutex
	got []string
}

func (f *frames) handle(e tcpclient.FrameEvent) {
	f.mu.Lock()
	f.got = append(f.got, string(e.Payload))
	f.mu.Unlock()
}

func (f *frames) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Connected", tcpclient.Connected.String())
	assert.Equal(t, "Reconnecting", tcpclient.Reconnecting.String())
	assert.Equal(t, "Unknown", tcpclient.ConnectionState(42).String())
}

func TestClient_SendAndReceive(t *testing.T) {
	srv := startEcho(t)

	c := tcpclient.New(tcpclient.DefaultConfig(srv.Listener.Addr().String()))
	defer c.Close()

	var f frames
	c.OnFrame(f.handle)

	assert.ErrorIs(t, c.Send([]byte("early")), tcpclient.ErrNotConnected)
	require.NoError(t, c.Connect())
	assert.True(t, c.IsConnected())
	assert.Error(t, c.Connect(), "already connected")

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, c.Send([]byte(m)))
	}

	assert.Eventually(t, func() bool { return len(f.list()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"echo:1", "echo:2", "echo:3"}, f.list())
}

func TestClient_ServerStopDisconnects(t *testing.T) {
	srv := startEcho(t)

	c := tcpclient.New(tcpclient.DefaultConfig(srv.Listener.Addr().String()))
	defer c.Close()
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	srv.Stop()

	assert.Eventually(t, func() bool { return c.State() == tcpclient.Disconnected }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Send([]byte("x")), tcpclient.ErrNotConnected)
}

func TestClient_AutoReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	defer ln.Close()

	cfg := tcpclient.DefaultConfig(addr)
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 10 * time.Millisecond
	c := tcpclient.New(cfg)
	defer c.Close()

	require.NoError(t, c.Connect())
	first := <-accepted
	require.NoError(t, first.Close())

	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}

	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

func TestClient_CloseIsFinal(t *testing.T) {
	srv := startEcho(t)

	c := tcpclient.New(tcpclient.DefaultConfig(srv.Listener.Addr().String()))
	require.NoError(t, c.Connect())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, tcpclient.Closed, c.State())
	assert.ErrorIs(t, c.Connect(), tcpclient.ErrClientClosed)
}
