// Package memstore is the single-node state store. Every operation runs in
// one critical section, which is what makes Register atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/store"
)

// MemoryStore keeps bindings and groups in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]map[string]policy.Binding
	groups     map[string]map[string]struct{}
	userGroups map[string]map[string]struct{}
	sessions   int64
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]map[string]policy.Binding),
		groups:     make(map[string]map[string]struct{}),
		userGroups: make(map[string]map[string]struct{}),
	}
}

// Register implements store.SessionStore.
func (s *MemoryStore) Register(ctx context.Context, req store.RegisterRequest, p policy.Policy) ([]policy.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := policy.Select(sortedBindings(s.users[req.UserID]), req.DeviceID, req.DeviceType, p)
	if p.Collision == policy.RejectNew && policy.Collides(evicted, req.DeviceID) {
		return nil, store.ErrRegisterRejected
	}

	record := s.users[req.UserID]
	if record == nil {
		record = make(map[string]policy.Binding)
		s.users[req.UserID] = record
	}

	for _, b := range evicted {
		delete(record, b.DeviceID)
		s.sessions--
	}

	record[req.DeviceID] = policy.Binding{
		DeviceID:     req.DeviceID,
		NodeID:       req.NodeID,
		SessionID:    req.SessionID,
		DeviceType:   req.DeviceType,
		LoginAt:      req.At,
		LastActiveAt: req.At,
	}
	s.sessions++

	return evicted, nil
}

// Unregister implements store.SessionStore.
func (s *MemoryStore) Unregister(ctx context.Context, userID, deviceID string) (bool, error) {
	return s.unregister(ctx, userID, deviceID, "")
}

// UnregisterSession implements store.SessionStore.
func (s *MemoryStore) UnregisterSession(ctx context.Context, userID, deviceID, sessionID string) (bool, error) {
	return s.unregister(ctx, userID, deviceID, sessionID)
}

func (s *MemoryStore) unregister(ctx context.Context, userID, deviceID, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.users[userID]
	b, ok := record[deviceID]
	if !ok || (sessionID != "" && b.SessionID != sessionID) {
		return false, nil
	}

	delete(record, deviceID)
	s.sessions--
	if len(record) == 0 {
		delete(s.users, userID)
	}

	return true, nil
}

// UnregisterAll implements store.SessionStore.
func (s *MemoryStore) UnregisterAll(ctx context.Context, userID string) ([]policy.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := sortedBindings(s.users[userID])
	s.sessions -= int64(len(removed))
	delete(s.users, userID)
	return removed, nil
}

// FindSessions implements store.SessionStore.
func (s *MemoryStore) FindSessions(ctx context.Context, userID string) ([]policy.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedBindings(s.users[userID]), nil
}

// IsOnline implements store.SessionStore.
func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]) > 0, nil
}

// Touch implements store.SessionStore.
func (s *MemoryStore) Touch(ctx context.Context, userID, deviceID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.users[userID]
	if b, ok := record[deviceID]; ok {
		b.LastActiveAt = at
		record[deviceID] = b
	}

	return nil
}

// OnlineUserCount implements store.SessionStore.
func (s *MemoryStore) OnlineUserCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

// SessionCount implements store.SessionStore.
func (s *MemoryStore) SessionCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, nil
}

// Join implements store.GroupStore.
func (s *MemoryStore) Join(ctx context.Context, groupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addToIndex(s.groups, groupID, userID)
	addToIndex(s.userGroups, userID, groupID)
	return nil
}

// Leave implements store.GroupStore.
func (s *MemoryStore) Leave(ctx context.Context, groupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removeFromIndex(s.groups, groupID, userID)
	removeFromIndex(s.userGroups, userID, groupID)
	return nil
}

// Members implements store.GroupStore. The cursor is an offset into the
// sorted member list.
func (s *MemoryStore) Members(ctx context.Context, groupID string, cursor uint64, count int64) ([]string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if count <= 0 {
		count = 100
	}

	s.mu.Lock()
	all := sortedKeys(s.groups[groupID])
	s.mu.Unlock()

	start := int(cursor)
	if start >= len(all) {
		return nil, 0, nil
	}

	end := start + int(count)
	if end >= len(all) {
		return all[start:], 0, nil
	}

	return all[start:end], uint64(end), nil
}

// IsMember implements store.GroupStore.
func (s *MemoryStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[groupID][userID]
	return ok, nil
}

// GroupsForUser implements store.GroupStore.
func (s *MemoryStore) GroupsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.userGroups[userID]), nil
}

// Close implements store.Store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortedBindings(record map[string]policy.Binding) []policy.Binding {
	out := make([]policy.Binding, 0, len(record))
	for _, b := range record {
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	sort.Strings(out)
	return out
}

func addToIndex(index map[string]map[string]struct{}, key, member string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}

	set[member] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, member string) {
	set := index[key]
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}
