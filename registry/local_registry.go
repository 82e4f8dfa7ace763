// Package registry holds the node-local indices of live sessions and of
// group fan-out lists. Nothing here knows about other nodes.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/safemap"
	"github.com/cyberinferno/go-sessionhub/session"
)

// LocalRegistry indexes this node's sessions by id, user id and device id.
// The registry does not own sessions; it holds references that are removed
// when the transport reports a disconnect.
type LocalRegistry struct {
	logger   logger.Logger
	sessions *safemap.SafeMap[string, *session.Session]
	count    atomic.Int64

	mu       sync.RWMutex
	byUser   map[string]map[string]*session.Session
	byDevice map[deviceKey]*session.Session
}

// deviceKey scopes a device id to its user; two users may share a device id.
type deviceKey struct {
	userID   string
	deviceID string
}

// NewLocalRegistry returns an empty registry.
func NewLocalRegistry(log logger.Logger) *LocalRegistry {
	return &LocalRegistry{
		logger:   log.With(logger.Field{Key: "component", Value: "local_registry"}),
		sessions: safemap.NewSafeMap[string, *session.Session](),
		byUser:   make(map[string]map[string]*session.Session),
		byDevice: make(map[deviceKey]*session.Session),
	}
}

// Add indexes a newly connected session by id.
//
// Returns:
//   - false if a session with the same id is already present
func (r *LocalRegistry) Add(s *session.Session) bool {
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return false
	}

	r.count.Add(1)
	if s.Bound() {
		r.Bind(s)
	}

	return true
}

// Bind indexes a bound session by user and device. The session must already
// be present by id.
func (r *LocalRegistry) Bind(s *session.Session) {
	userID, deviceID, _, bound := s.Identity()
	if !bound || !r.sessions.Has(s.ID()) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.byUser[userID]
	if byID == nil {
		byID = make(map[string]*session.Session)
		r.byUser[userID] = byID
	}

	byID[s.ID()] = s
	r.byDevice[deviceKey{userID, deviceID}] = s
}

// Unbind drops the user and device index entries of s, keeping it by id.
func (r *LocalRegistry) Unbind(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindexLocked(s)
}

// RemoveByID removes the session from every index and closes its connection.
//
// Returns:
//   - The removed session and true, or nil and false if it was not present
func (r *LocalRegistry) RemoveByID(id string) (*session.Session, bool) {
	s, ok := r.RemoveLocalOnly(id)
	if !ok {
		return nil, false
	}

	if err := s.Close(); err != nil {
		r.logger.Debug("close on remove failed", logger.Field{Key: "session", Value: id}, logger.Field{Key: "error", Value: err})
	}

	return s, true
}

// RemoveLocalOnly removes the session from every index without closing it.
// Only one of several concurrent callers for the same id succeeds.
func (r *LocalRegistry) RemoveLocalOnly(id string) (*session.Session, bool) {
	s, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}

	r.count.Add(-1)
	r.mu.Lock()
	r.unindexLocked(s)
	r.mu.Unlock()
	return s, true
}

func (r *LocalRegistry) unindexLocked(s *session.Session) {
	userID, deviceID, _, _ := s.Identity()
	if userID == "" {
		return
	}

	if byID := r.byUser[userID]; byID != nil {
		delete(byID, s.ID())
		if len(byID) == 0 {
			delete(r.byUser, userID)
		}
	}

	key := deviceKey{userID, deviceID}
	if r.byDevice[key] == s {
		delete(r.byDevice, key)
	}
}

// Get returns the session with the given id.
func (r *LocalRegistry) Get(id string) (*session.Session, bool) {
	return r.sessions.Load(id)
}

// FindByUserID returns the user's local sessions.
func (r *LocalRegistry) FindByUserID(userID string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.byUser[userID]
	out := make([]*session.Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}

	return out
}

// HasUser reports whether the user has at least one local session.
func (r *LocalRegistry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// FindByDeviceID returns the local session of userID bound to deviceID.
func (r *LocalRegistry) FindByDeviceID(userID, deviceID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceKey{userID, deviceID}]
	return s, ok
}

// SendToUserLocally writes data to every local session of the user.
//
// Returns:
//   - true if at least one local session existed
func (r *LocalRegistry) SendToUserLocally(userID string, data []byte) bool {
	targets := r.FindByUserID(userID)
	for _, s := range targets {
		r.deliver(s, data)
	}

	return len(targets) > 0
}

// BroadcastLocally writes data to every bound local session.
//
// Returns:
//   - The number of sessions written to
func (r *LocalRegistry) BroadcastLocally(data []byte) int {
	delivered := 0
	r.sessions.Range(func(_ string, s *session.Session) bool {
		if s.Bound() {
			r.deliver(s, data)
			delivered++
		}
		return true
	})

	return delivered
}

// TotalConnectionCount returns the number of physical connections indexed.
func (r *LocalRegistry) TotalConnectionCount() int {
	return int(r.count.Load())
}

// Sessions returns a snapshot of every indexed session.
func (r *LocalRegistry) Sessions() []*session.Session {
	return r.sessions.Values()
}

func (r *LocalRegistry) deliver(s *session.Session, data []byte) {
	if err := s.Send(data); err != nil {
		r.logger.Debug("local delivery failed",
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "error", Value: err},
		)
	}
}
