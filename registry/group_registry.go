package registry

import (
	"sync"

	"github.com/cyberinferno/go-sessionhub/safemap"
	"github.com/cyberinferno/go-sessionhub/safeset"
)

// GroupRegistry is the node-local fan-out list for groups: the subset of a
// group's members that currently have a session on this node. It is a cache
// of the distributed membership and never the source of truth.
type GroupRegistry struct {
	sessions *LocalRegistry

	// mu serialises creation and removal of per-group sets so an empty set is
	// never dropped while a concurrent Add is filling it.
	mu         sync.Mutex
	members    *safemap.SafeMap[string, *safeset.SafeSet[string]]
	userGroups *safemap.SafeMap[string, *safeset.SafeSet[string]]
}

// NewGroupRegistry returns an empty registry delivering through sessions.
func NewGroupRegistry(sessions *LocalRegistry) *GroupRegistry {
	return &GroupRegistry{
		sessions:   sessions,
		members:    safemap.NewSafeMap[string, *safeset.SafeSet[string]](),
		userGroups: safemap.NewSafeMap[string, *safeset.SafeSet[string]](),
	}
}

// Add puts userID on the local fan-out list of groupID.
func (g *GroupRegistry) Add(groupID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, _ := g.members.LoadOrStore(groupID, safeset.NewSafeSet[string]())
	set.Add(userID)

	groups, _ := g.userGroups.LoadOrStore(userID, safeset.NewSafeSet[string]())
	groups.Add(groupID)
}

// Remove takes userID off the local fan-out list of groupID.
func (g *GroupRegistry) Remove(groupID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(groupID, userID)
}

// RemoveUser drops userID from every local fan-out list. Called when the
// user's last local session goes away.
//
// Returns:
//   - The groups the user was removed from
func (g *GroupRegistry) RemoveUser(userID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	groups, ok := g.userGroups.Load(userID)
	if !ok {
		return nil
	}

	removed := groups.Values()
	for _, groupID := range removed {
		g.removeLocked(groupID, userID)
	}

	return removed
}

func (g *GroupRegistry) removeLocked(groupID, userID string) {
	if set, ok := g.members.Load(groupID); ok {
		set.Remove(userID)
		if set.Size() == 0 {
			g.members.Delete(groupID)
		}
	}

	if groups, ok := g.userGroups.Load(userID); ok {
		groups.Remove(groupID)
		if groups.Size() == 0 {
			g.userGroups.Delete(userID)
		}
	}
}

// Members returns the local fan-out list of groupID.
func (g *GroupRegistry) Members(groupID string) []string {
	set, ok := g.members.Load(groupID)
	if !ok {
		return nil
	}

	return set.Values()
}

// GroupsOf returns the groups userID is on locally.
func (g *GroupRegistry) GroupsOf(userID string) []string {
	groups, ok := g.userGroups.Load(userID)
	if !ok {
		return nil
	}

	return groups.Values()
}

// SendToGroupLocally delivers data to every local session of every local
// member of groupID, skipping users in exclude.
//
// Returns:
//   - The number of users that had at least one local session
func (g *GroupRegistry) SendToGroupLocally(groupID string, data []byte, exclude *safeset.SafeSet[string]) int {
	set, ok := g.members.Load(groupID)
	if !ok {
		return 0
	}

	delivered := 0
	set.Range(func(userID string) bool {
		if exclude.Contains(userID) {
			return true
		}
		if g.sessions.SendToUserLocally(userID, data) {
			delivered++
		}
		return true
	})

	return delivered
}
