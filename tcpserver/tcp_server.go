// Package tcpserver is the TCP transport in front of the engine: it accepts
// connections, frames traffic with a length prefix and turns socket activity
// into connect, message, idle, error and disconnect callbacks.
package tcpserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/idgenerator"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/safemap"
	"github.com/cyberinferno/go-sessionhub/session"
)

// Handler receives connection events. The engine implements it. Every
// method except Connect is called from the connection's read goroutine.
type Handler interface {
	// Connect admits conn and returns its session, or an error to refuse it.
	Connect(conn session.Conn) (*session.Session, error)
	Message(s *session.Session, data []byte)
	Idle(s *session.Session)
	Error(s *session.Session, err error)
	Disconnect(s *session.Session)
}

// TCPServer accepts connections on Addr and drives Handler. Admission is
// asked before any session exists; a refused connection optionally receives
// RejectFrame and is closed.
type TCPServer struct {
	Logger       logger.Logger
	Name         string
	Addr         string
	Listener     net.Listener
	Conns        *safemap.SafeMap[uint64, *Conn]
	Running      atomic.Bool
	Handler      Handler
	IdGenerator  *idgenerator.IdGenerator
	MaxFrameSize int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	RejectFrame  []byte

	wg sync.WaitGroup
}

// NewTCPServer returns a server with its maps and id generator initialised.
//
// Parameters:
//   - name: Name used in log lines
//   - addr: Listen address, e.g. ":7000"
//   - handler: Receiver of connection events
//   - log: Logger
//
// Returns:
//   - A server that is not yet listening
func NewTCPServer(name, addr string, handler Handler, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger:      log.With(logger.Field{Key: "component", Value: "tcp_server"}),
		Name:        name,
		Addr:        addr,
		Conns:       safemap.NewSafeMap[uint64, *Conn](),
		Handler:     handler,
		IdGenerator: idgenerator.NewIdGenerator(name, 0),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or listening fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	s.wg.Add(1)
	go s.AcceptLoop()

	return nil
}

// Stop closes the listener and every connection, then waits until each
// connection's disconnect has been reported. Safe to call when not running.
func (s *TCPServer) Stop() {
	if !s.Running.CompareAndSwap(true, false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	s.Conns.Range(func(_ uint64, c *Conn) bool {
		_ = c.Close()
		return true
	})

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ConnCount returns the number of open connections.
func (s *TCPServer) ConnCount() int {
	return s.Conns.Len()
}

// AcceptLoop accepts connections until the server stops. Each accepted
// connection is admitted through Handler.Connect and then served on its own
// goroutine.
func (s *TCPServer) AcceptLoop() {
	defer s.wg.Done()

	for s.Running.Load() {
		raw, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		s.serve(raw)
	}
}

func (s *TCPServer) serve(raw net.Conn) {
	c := newConn(s.IdGenerator.Seq(), s, raw)

	sess, err := s.Handler.Connect(c)
	if err != nil {
		s.Logger.Warn("connection refused",
			logger.Field{Key: "remote", Value: raw.RemoteAddr().String()},
			logger.Field{Key: "error", Value: err},
		)
		if s.RejectFrame != nil {
			_ = c.Send(s.RejectFrame)
		}
		_ = c.Close()
		return
	}

	s.Conns.Store(c.id, c)
	if !s.Running.Load() {
		_ = c.Close()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.handle(sess)
	}()
}

func (s *TCPServer) removeConn(id uint64) {
	s.Conns.Delete(id)
}

func (s *TCPServer) maxFrameSize() int {
	if s.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}

	return s.MaxFrameSize
}
