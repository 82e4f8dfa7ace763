// Package policy holds the login-collision rules: which existing bindings of
// a user must yield when a new device binds. Select is pure and is shared by
// the login resolver and by every state store backend, so the decision made
// inside a store's atomic section matches the one the resolver previewed.
package policy

import (
	"fmt"
	"sort"
	"time"
)

// Strategy is the multi-login rule.
type Strategy string

const (
	// StrategySingle allows one binding per user across all devices.
	StrategySingle Strategy = "single"
	// StrategyDeviceType allows one binding per (user, device type).
	StrategyDeviceType Strategy = "device_type"
	// StrategyMulti never evicts other devices.
	StrategyMulti Strategy = "multi"
	// StrategyBounded allows up to MaxDevices bindings per user.
	StrategyBounded Strategy = "bounded"
)

// EvictionOrder picks the victim under StrategyBounded.
type EvictionOrder string

const (
	EvictOldestLogin EvictionOrder = "oldest_login"
	EvictLeastActive EvictionOrder = "least_active"
)

// Collision decides what happens when a login would evict someone.
type Collision string

const (
	// KickOld evicts the existing bindings and admits the new login.
	KickOld Collision = "kick_old"
	// RejectNew keeps the existing bindings and refuses the new login.
	RejectNew Collision = "reject_new"
)

// Policy is the configured login rule set.
type Policy struct {
	Strategy   Strategy
	MaxDevices int
	Eviction   EvictionOrder
	Collision  Collision
}

// Default returns single-instance login with kick-old collisions.
func Default() Policy {
	return Policy{Strategy: StrategySingle, MaxDevices: 1, Eviction: EvictOldestLogin, Collision: KickOld}
}

// Validate rejects unknown enum values and a non-positive bound.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategySingle, StrategyDeviceType, StrategyMulti:
	case StrategyBounded:
		if p.MaxDevices < 1 {
			return fmt.Errorf("policy: bounded strategy needs MaxDevices >= 1, got %d", p.MaxDevices)
		}
	default:
		return fmt.Errorf("policy: unknown strategy %q", p.Strategy)
	}

	switch p.Eviction {
	case EvictOldestLogin, EvictLeastActive:
	default:
		return fmt.Errorf("policy: unknown eviction order %q", p.Eviction)
	}

	switch p.Collision {
	case KickOld, RejectNew:
	default:
		return fmt.Errorf("policy: unknown collision policy %q", p.Collision)
	}

	return nil
}

// Binding is one (device -> node) entry of a user's distributed session record.
type Binding struct {
	DeviceID     string
	NodeID       string
	SessionID    string
	DeviceType   string
	LoginAt      time.Time
	LastActiveAt time.Time
}

// Collides reports whether evicted touches a device other than deviceID.
// Replacing a stale binding of the same device is a reconnect, not a
// collision.
func Collides(evicted []Binding, deviceID string) bool {
	for _, b := range evicted {
		if b.DeviceID != deviceID {
			return true
		}
	}

	return false
}

// Select returns the bindings in current that must be evicted for deviceID
// (of deviceType) to bind under p. An existing binding of the same device is
// always replaced. The result is ordered by device id.
func Select(current []Binding, deviceID, deviceType string, p Policy) []Binding {
	var evicted, others []Binding
	for _, b := range current {
		if b.DeviceID == deviceID {
			evicted = append(evicted, b)
			continue
		}
		others = append(others, b)
	}

	switch p.Strategy {
	case StrategySingle:
		evicted = append(evicted, others...)
	case StrategyDeviceType:
		for _, b := range others {
			if b.DeviceType == deviceType {
				evicted = append(evicted, b)
			}
		}
	case StrategyBounded:
		sort.Slice(others, func(i, j int) bool {
			ki, kj := evictionKey(others[i], p.Eviction), evictionKey(others[j], p.Eviction)
			if !ki.Equal(kj) {
				return ki.Before(kj)
			}
			return others[i].DeviceID < others[j].DeviceID
		})
		for excess := len(others) - p.MaxDevices + 1; excess > 0; excess-- {
			evicted = append(evicted, others[0])
			others = others[1:]
		}
	}

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].DeviceID < evicted[j].DeviceID })
	return evicted
}

func evictionKey(b Binding, order EvictionOrder) time.Time {
	if order == EvictLeastActive && !b.LastActiveAt.IsZero() {
		return b.LastActiveAt
	}

	return b.LoginAt
}
