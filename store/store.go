// Package store defines the authoritative distributed state: which node owns
// each (user, device) binding, and group membership. Backends must make
// Register indivisible: two concurrent registrations for one user never both
// observe an empty record.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cyberinferno/go-sessionhub/policy"
)

// ErrStoreUnavailable wraps backend failures (network, timeout, script errors).
// Callers treat it as fail-closed.
var ErrStoreUnavailable = errors.New("state store unavailable")

// ErrRegisterRejected is returned by Register under policy.RejectNew when the
// new binding would evict another device. Nothing is written.
var ErrRegisterRejected = errors.New("registration rejected by collision policy")

// RegisterRequest describes the binding being created.
type RegisterRequest struct {
	UserID     string
	DeviceID   string
	DeviceType string
	NodeID     string
	SessionID  string
	At         time.Time
}

// SessionStore tracks user/device bindings.
type SessionStore interface {
	// Register atomically applies p to the user's current bindings, removes
	// the evicted ones, writes the new binding and adjusts the counters.
	// Under policy.RejectNew the collision check happens in the same step.
	//
	// Returns:
	//   - The previously bound entries that were evicted (empty if none)
	//   - ErrRegisterRejected if p refuses the login
	Register(ctx context.Context, req RegisterRequest, p policy.Policy) ([]policy.Binding, error)

	// Unregister removes the binding of deviceID. Removing a missing binding
	// is a no-op that reports false.
	Unregister(ctx context.Context, userID, deviceID string) (bool, error)

	// UnregisterSession removes the binding of deviceID only while it still
	// belongs to sessionID.
	UnregisterSession(ctx context.Context, userID, deviceID, sessionID string) (bool, error)

	// UnregisterAll removes every binding of the user and returns them.
	UnregisterAll(ctx context.Context, userID string) ([]policy.Binding, error)

	// FindSessions returns the user's current bindings ordered by device id.
	FindSessions(ctx context.Context, userID string) ([]policy.Binding, error)

	// IsOnline reports whether the user has at least one binding.
	IsOnline(ctx context.Context, userID string) (bool, error)

	// Touch records activity on an existing binding. Missing bindings are ignored.
	Touch(ctx context.Context, userID, deviceID string, at time.Time) error

	// OnlineUserCount returns the number of users with at least one binding.
	OnlineUserCount(ctx context.Context) (int64, error)

	// SessionCount returns the total number of bindings.
	SessionCount(ctx context.Context) (int64, error)
}

// GroupStore tracks group membership and its reverse index.
type GroupStore interface {
	Join(ctx context.Context, groupID, userID string) error
	Leave(ctx context.Context, groupID, userID string) error

	// Members returns one page of members starting at cursor. A returned
	// cursor of 0 means the iteration is complete. Pages may be smaller or
	// larger than count.
	Members(ctx context.Context, groupID string, cursor uint64, count int64) ([]string, uint64, error)

	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	GroupsForUser(ctx context.Context, userID string) ([]string, error)
}

// Store is a complete backend.
type Store interface {
	SessionStore
	GroupStore
	Close() error
}

// AllMembers walks every page of a group's membership.
func AllMembers(ctx context.Context, gs GroupStore, groupID string, pageSize int64) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		page, next, err := gs.Members(ctx, groupID, cursor, pageSize)
		if err != nil {
			return nil, err
		}

		for _, m := range page {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}

		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// NodeMap reduces bindings to the device -> node view.
func NodeMap(bindings []policy.Binding) map[string]string {
	out := make(map[string]string, len(bindings))
	for _, b := range bindings {
		out[b.DeviceID] = b.NodeID
	}

	return out
}
