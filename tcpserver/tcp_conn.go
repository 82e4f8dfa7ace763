package tcpserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("tcp connection closed")

// Conn is one accepted TCP connection. It implements session.Conn; writes
// are framed and serialised, reads happen on the connection's own goroutine.
type Conn struct {
	id     uint64
	server *TCPServer
	raw    net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ session.Conn = (*Conn)(nil)

func newConn(id uint64, server *TCPServer, raw net.Conn) *Conn {
	return &Conn{id: id, server: server, raw: raw, reader: bufio.NewReader(raw)}
}

// ID returns the server-assigned connection id.
func (c *Conn) ID() uint64 { return c.id }

// Send writes payload as one frame.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	frame := EncodeFrame(payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.server.WriteTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.server.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := c.raw.Write(frame)
	return err
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.raw.Close()
}

// IsActive reports whether Close has not been called yet.
func (c *Conn) IsActive() bool { return !c.closed.Load() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

// handle runs the read loop of an admitted connection until the peer goes
// away or the connection is closed locally, then reports the disconnect.
func (c *Conn) handle(s *session.Session) {
	h := c.server.Handler
	defer func() {
		_ = c.Close()
		c.server.removeConn(c.id)
		h.Disconnect(s)
	}()

	for {
		err := c.awaitFrame()
		if errors.Is(err, os.ErrDeadlineExceeded) && !c.closed.Load() {
			h.Idle(s)
			continue
		}

		var payload []byte
		if err == nil {
			payload, err = ReadFrame(c.reader, c.server.maxFrameSize())
		}
		if err == nil {
			h.Message(s, payload)
			continue
		}

		if !c.closed.Load() && !errors.Is(err, io.EOF) {
			c.server.Logger.Debug("connection read failed",
				logger.Field{Key: "session", Value: s.ID()},
				logger.Field{Key: "error", Value: err},
			)
			h.Error(s, err)
		}

		return
	}
}

// awaitFrame blocks until the first byte of the next frame is buffered. The
// idle deadline only applies here, so a timeout never splits a frame.
func (c *Conn) awaitFrame() error {
	if c.server.IdleTimeout <= 0 {
		_, err := c.reader.Peek(1)
		return err
	}

	if err := c.raw.SetReadDeadline(time.Now().Add(c.server.IdleTimeout)); err != nil {
		return err
	}
	if _, err := c.reader.Peek(1); err != nil {
		return err
	}

	return c.raw.SetReadDeadline(time.Time{})
}
