// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connection closed")

// Conn records everything sent to it.
type Conn struct {
	Addr string

	// OnClose, when set, runs once on the first Close call.
	OnClose func()

	// FailSend makes every Send return an error.
	FailSend bool

	mu     sync.Mutex
	sent   [][]byte
	closed atomic.Bool
}

// NewConn returns an open Conn with the given remote address.
func NewConn(addr string) *Conn {
	return &Conn{Addr: addr}
}

// Send implements session.Conn.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.FailSend {
		return errors.New("send failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Close implements session.Conn.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) && c.OnClose != nil {
		c.OnClose()
	}

	return nil
}

// IsActive implements session.Conn.
func (c *Conn) IsActive() bool { return !c.closed.Load() }

// RemoteAddr implements session.Conn.
func (c *Conn) RemoteAddr() string { return c.Addr }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Sent returns a copy of every payload sent so far, as strings.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}

	return out
}
