package tcpserver_test

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/tcpserver"
)

// recorder is a Handler that keeps every callback it receives.
type recorder struct {
	refuse error

	mu          sync.Mutex
	seq         int
	messages    []string
	idles       int
	errs        []error
	disconnects []string
}

func (r *recorder) Connect(conn session.Conn) (*session.Session, error) {
	if r.refuse != nil {
		return nil, r.refuse
	}

	r.mu.Lock()
	r.seq++
	id := "s" + strconv.Itoa(r.seq)
	r.mu.Unlock()

	return session.New(id, conn, time.Now()), nil
}

func (r *recorder) Message(s *session.Session, data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.mu.Unlock()

	if string(data) == "ping" {
		_ = s.Send([]byte("pong"))
	}
}

func (r *recorder) Idle(*session.Session) {
	r.mu.Lock()
	r.idles++
	r.mu.Unlock()
}

func (r *recorder) Error(_ *session.Session, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) Disconnect(s *session.Session) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, s.ID())
	r.mu.Unlock()
}

func (r *recorder) snapshot() (messages []string, idles int, errs []error, disconnects []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.idles, append([]error(nil), r.errs...), append([]string(nil), r.disconnects...)
}

func startServer(t *testing.T, h tcpserver.Handler, configure func(s *tcpserver.TCPServer)) *tcpserver.TCPServer {
	t.Helper()

	srv := tcpserver.NewTCPServer("test", "127.0.0.1:0", h, logger.NewNopLogger())
	if configure != nil {
		configure(srv)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv
}

func dial(t *testing.T, srv *tcpserver.TCPServer) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestTCPServer_DeliversFramesInOrder(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	conn := dial(t, srv)

	for _, m := range []string{"a", "b", "c", "ping"} {
		_, err := conn.Write(tcpserver.EncodeFrame([]byte(m)))
		require.NoError(t, err)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := tcpserver.ReadFrame(conn, tcpserver.DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	messages, _, _, _ := rec.snapshot()
	assert.Equal(t, []string{"a", "b", "c", "ping"}, messages)
	assert.Equal(t, 1, srv.ConnCount())
}

func TestTCPServer_PeerCloseReportsDisconnectOnce(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	conn := dial(t, srv)

	assert.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, _, _, d := rec.snapshot()
		return len(d) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, errs, disconnects := rec.snapshot()
	assert.Empty(t, errs, "clean EOF is not an error")
	assert.Equal(t, []string{"s1"}, disconnects)
	assert.Equal(t, 0, srv.ConnCount())
}

func TestTCPServer_RefusedConnectionGetsRejectFrame(t *testing.T) {
	rec := &recorder{refuse: errors.New("overloaded")}
	srv := startServer(t, rec, func(s *tcpserver.TCPServer) {
		s.RejectFrame = []byte("busy")
	})
	conn := dial(t, srv)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := tcpserver.ReadFrame(conn, tcpserver.DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "busy", string(reply))

	_, err = tcpserver.ReadFrame(conn, tcpserver.DefaultMaxFrameSize)
	assert.Error(t, err, "connection must be closed after the reject frame")

	_, _, _, disconnects := rec.snapshot()
	assert.Empty(t, disconnects, "no session existed")
	assert.Equal(t, 0, srv.ConnCount())
}

func TestTCPServer_IdleTimeout(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, func(s *tcpserver.TCPServer) {
		s.IdleTimeout = 20 * time.Millisecond
	})
	conn := dial(t, srv)

	assert.Eventually(t, func() bool {
		_, idles, _, _ := rec.snapshot()
		return idles >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// The connection survives idle periods.
	_, err := conn.Write(tcpserver.EncodeFrame([]byte("late")))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		m, _, _, _ := rec.snapshot()
		return len(m) == 1 && m[0] == "late"
	}, time.Second, 5*time.Millisecond)
}

func TestTCPServer_OversizedFrameIsAnError(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, func(s *tcpserver.TCPServer) {
		s.MaxFrameSize = 16
	})
	conn := dial(t, srv)

	_, err := conn.Write(tcpserver.EncodeFrame(make([]byte, 64)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _, errs, d := rec.snapshot()
		return len(errs) == 1 && len(d) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, errs, _ := rec.snapshot()
	assert.ErrorIs(t, errs[0], tcpserver.ErrFrameTooLarge)
}

func TestTCPServer_StopClosesConnections(t *testing.T) {
	rec := &recorder{}
	srv := tcpserver.NewTCPServer("test", "127.0.0.1:0", rec, logger.NewNopLogger())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "second start")

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, srv)
	}
	assert.Eventually(t, func() bool { return srv.ConnCount() == 3 }, time.Second, 5*time.Millisecond)

	srv.Stop()

	_, _, _, disconnects := rec.snapshot()
	assert.Len(t, disconnects, 3, "Stop waits for every disconnect")
	assert.Equal(t, 0, srv.ConnCount())

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := tcpserver.ReadFrame(c, tcpserver.DefaultMaxFrameSize)
		assert.Error(t, err)
	}

	srv.Stop()
}
