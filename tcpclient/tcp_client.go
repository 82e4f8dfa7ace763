// Package tcpclient is an event-driven client for a sessionhub node. It
// speaks the node's length-prefixed framing and reports connection state,
// received frames and errors through registered handlers.
package tcpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-sessionhub/tcpserver"
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Dial in progress
	Connected                           // Connected to the node
	Reconnecting                        // Waiting to redial (AutoReconnect only)
	Closed                              // Closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client is closed")
)

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error
}

// FrameEvent carries the payload of one received frame.
type FrameEvent struct {
	Payload   []byte
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write or dial fails.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called from its own goroutine on state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// FrameHandler is called on the read goroutine, one frame at a time and in
// arrival order. It must not block for long.
type FrameHandler func(event FrameEvent)

// ErrorHandler is called from its own goroutine on errors.
type ErrorHandler func(event ErrorEvent)

// Config holds client settings.
type Config struct {
	// Address is the "host:port" of the node.
	Address string
	// AutoReconnect redials after the connection drops.
	AutoReconnect bool
	// ReconnectInterval is the delay between redial attempts.
	ReconnectInterval time.Duration
	// WriteTimeout bounds a single Send; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// MaxFrameSize is the largest accepted inbound frame, header included.
	MaxFrameSize int
}

// DefaultConfig returns a Config with default values for address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with ReconnectInterval 5s, WriteTimeout 10s,
//     ConnectionTimeout 10s, MaxFrameSize tcpserver.DefaultMaxFrameSize and
//     AutoReconnect off
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		MaxFrameSize:      tcpserver.DefaultMaxFrameSize,
	}
}

// Client is a framed TCP client. Register handlers, then call Connect. It is
// safe for concurrent use.
type Client struct {
	config Config
	conn   net.Conn
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onFrame           FrameHandler
	onError           ErrorHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
	closed        bool
}

// New creates a client in the Disconnected state.
func New(config Config) *Client {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = tcpserver.DefaultMaxFrameSize
	}

	return &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the state handler, replacing any previous one.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnFrame registers the frame handler, replacing any previous one.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError registers the error handler, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the configured address.
//
// Returns:
//   - nil on success; ErrClientClosed after Close, an error when already
//     connected, or the dial error
func (c *Client) Connect() error {
	c.mu.RLock()
	closed, state := c.closed, c.state
	c.mu.RUnlock()

	if closed {
		return ErrClientClosed
	}
	if state == Connected || state == Connecting {
		return errors.New("already connected or connecting")
	}

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectLoop()
		})
	}

	return c.connect()
}

// Send writes payload as one frame.
func (c *Client) Send(payload []byte) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write(tcpserver.EncodeFrame(payload)); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return fmt.Errorf("send frame: %w", err)
	}

	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Disconnect drops the current connection without closing the client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts the client down and waits for its goroutines. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

func (c *Client) connect() error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		payload, err := tcpserver.ReadFrame(conn, c.config.MaxFrameSize)
		if err != nil {
			if c.isClosed() || c.current() != conn {
				return
			}

			if !errors.Is(err, io.EOF) {
				c.emitError(err)
			}

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()

			c.setState(Disconnected, err)
			c.triggerReconnect()
			return
		}

		c.mu.RLock()
		handler := c.onFrame
		c.mu.RUnlock()

		if handler != nil {
			handler(FrameEvent{Payload: payload, Timestamp: time.Now()})
		}
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		c.setState(Reconnecting, nil)

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		if c.isClosed() {
			return
		}

		if err := c.connect(); err != nil {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) current() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
