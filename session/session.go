// Package session defines the engine's view of a client connection: an
// identity, the user/device binding, activity timestamps and free-form
// attributes, plus the narrow capability handle the transport provides.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/safemap"
)

var (
	// ErrAlreadyBound is returned when binding a session that already carries a user.
	ErrAlreadyBound = errors.New("session already bound")

	// ErrInvalidBindRequest is returned for a BindRequest without user or device.
	ErrInvalidBindRequest = errors.New("bind request requires user id and device id")
)

// Conn is the capability handle supplied by the transport. The engine can
// write to and close the physical connection through it but never owns it.
type Conn interface {
	// Send writes already-encoded bytes to the client. Safe for concurrent use.
	Send(data []byte) error

	// Close closes the physical connection. Safe to call multiple times.
	Close() error

	// IsActive reports whether the physical connection is still open.
	IsActive() bool

	// RemoteAddr returns the peer address as text.
	RemoteAddr() string
}

// BindRequest asks the engine to associate a user and device with a session.
// It is produced by the authenticator and consumed once.
type BindRequest struct {
	UserID     string
	DeviceID   string
	DeviceType string
	Metadata   map[string]string
}

// Validate checks the mandatory fields.
func (r BindRequest) Validate() error {
	if r.UserID == "" || r.DeviceID == "" {
		return ErrInvalidBindRequest
	}

	return nil
}

// Session is a single client connection as tracked by the engine.
type Session struct {
	id        string
	conn      Conn
	createdAt time.Time

	lastActive atomic.Int64
	evicted    atomic.Bool

	mu         sync.RWMutex
	userID     string
	deviceID   string
	deviceType string
	bound      bool

	attrs *safemap.SafeMap[string, any]
}

// New creates an unbound session for conn.
func New(id string, conn Conn, now time.Time) *Session {
	s := &Session{
		id:        id,
		conn:      conn,
		createdAt: now,
		attrs:     safemap.NewSafeMap[string, any](),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address of the underlying connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// CreatedAt returns the time the connection was admitted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the latest inbound activity.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Touch records inbound activity at now.
func (s *Session) Touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

// UserID returns the bound user id, or "" when unbound.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// DeviceID returns the bound device id, or "" when unbound.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// DeviceType returns the bound device type, or "" when unbound.
func (s *Session) DeviceType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceType
}

// Bound reports whether a user is bound to the session.
func (s *Session) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// Identity returns the binding fields under one lock acquisition.
func (s *Session) Identity() (userID, deviceID, deviceType string, bound bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.deviceID, s.deviceType, s.bound
}

// Bind attaches the user and device from req.
func (s *Session) Bind(req BindRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return ErrAlreadyBound
	}

	s.userID = req.UserID
	s.deviceID = req.DeviceID
	s.deviceType = req.DeviceType
	s.bound = true
	for k, v := range req.Metadata {
		s.attrs.Store(k, v)
	}

	return nil
}

// Unbind clears the bound flag while keeping the identity fields readable
// for late cleanup.
//
// Returns:
//   - true if the session was bound before the call
func (s *Session) Unbind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.bound
	s.bound = false
	return was
}

// MarkEvicted flags the session as evicted by a login collision. Its
// distributed binding already belongs to someone else, so disconnect
// handling must not unregister it.
//
// Returns:
//   - true for the first caller only
func (s *Session) MarkEvicted() bool {
	return s.evicted.CompareAndSwap(false, true)
}

// Evicted reports whether MarkEvicted was called.
func (s *Session) Evicted() bool { return s.evicted.Load() }

// Send writes data to the client.
func (s *Session) Send(data []byte) error { return s.conn.Send(data) }

// Close closes the physical connection.
func (s *Session) Close() error { return s.conn.Close() }

// IsActive reports whether the physical connection is still open.
func (s *Session) IsActive() bool { return s.conn.IsActive() }

// SetAttribute stores an application attribute.
func (s *Session) SetAttribute(key string, value any) { s.attrs.Store(key, value) }

// Attribute returns an application attribute.
func (s *Session) Attribute(key string) (any, bool) { return s.attrs.Load(key) }

// DeleteAttribute removes an application attribute.
func (s *Session) DeleteAttribute(key string) { s.attrs.Delete(key) }
