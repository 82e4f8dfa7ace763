// Package storetest holds the behavioural contract every store.Store
// backend must satisfy. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func req(user, device, deviceType, node string, sec int) store.RegisterRequest {
	return store.RegisterRequest{
		UserID:     user,
		DeviceID:   device,
		DeviceType: deviceType,
		NodeID:     node,
		SessionID:  node + "-" + device,
		At:         base.Add(time.Duration(sec) * time.Second),
	}
}

func deviceIDs(bs []policy.Binding) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.DeviceID)
	}
	return out
}

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	single := policy.Default()
	multi := policy.Policy{Strategy: policy.StrategyMulti, Eviction: policy.EvictOldestLogin, Collision: policy.KickOld}

	t.Run("register and find", func(t *testing.T) {
		s := newStore(t)

		evicted, err := s.Register(ctx, req("u1", "d1", "mobile", "node-a", 0), single)
		require.NoError(t, err)
		assert.Empty(t, evicted)

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "d1", found[0].DeviceID)
		assert.Equal(t, "node-a", found[0].NodeID)
		assert.Equal(t, "node-a-d1", found[0].SessionID)
		assert.Equal(t, "mobile", found[0].DeviceType)
		assert.True(t, found[0].LoginAt.Equal(base))

		online, err := s.IsOnline(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, online)

		online, err = s.IsOnline(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("single login evicts previous device on another node", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Register(ctx, req("u1", "d1", "", "node-a", 0), single)
		require.NoError(t, err)

		evicted, err := s.Register(ctx, req("u1", "d2", "", "node-b", 1), single)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"d1": "node-a"}, store.NodeMap(evicted))

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"d2"}, deviceIDs(found))
		assertCounts(t, s, 1, 1)
	})

	t.Run("concurrent single logins leave exactly one binding", func(t *testing.T) {
		s := newStore(t)

		const n = 16
		var wg sync.WaitGroup
		results := make([][]policy.Binding, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				evicted, err := s.Register(ctx, req("u1", fmt.Sprintf("d%02d", i), "", "node-a", i), single)
				assert.NoError(t, err)
				results[i] = evicted
			}(i)
		}
		wg.Wait()

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, found, 1)

		emptyResults := 0
		totalEvicted := 0
		for _, r := range results {
			if len(r) == 0 {
				emptyResults++
			}
			totalEvicted += len(r)
		}
		assert.Equal(t, 1, emptyResults, "exactly one registration may observe no prior session")
		assert.Equal(t, n-1, totalEvicted)
		assertCounts(t, s, 1, 1)
	})

	t.Run("reject new refuses another device without writing", func(t *testing.T) {
		s := newStore(t)
		reject := single
		reject.Collision = policy.RejectNew

		_, err := s.Register(ctx, req("u1", "d1", "", "node-a", 0), reject)
		require.NoError(t, err)

		evicted, err := s.Register(ctx, req("u1", "d2", "", "node-b", 1), reject)
		assert.ErrorIs(t, err, store.ErrRegisterRejected)
		assert.Empty(t, evicted)

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"d1": "node-a"}, store.NodeMap(found))
		assertCounts(t, s, 1, 1)

		evicted, err = s.Register(ctx, req("u1", "d1", "", "node-b", 2), reject)
		require.NoError(t, err)
		assert.Equal(t, []string{"d1"}, deviceIDs(evicted))
		assertCounts(t, s, 1, 1)
	})

	t.Run("concurrent reject new logins admit exactly one", func(t *testing.T) {
		s := newStore(t)
		reject := single
		reject.Collision = policy.RejectNew

		const n = 16
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.Register(ctx, req("u1", fmt.Sprintf("d%02d", i), "", "node-a", i), reject)
			}(i)
		}
		wg.Wait()

		admitted := 0
		for _, err := range errs {
			if err == nil {
				admitted++
				continue
			}
			assert.ErrorIs(t, err, store.ErrRegisterRejected)
		}
		assert.Equal(t, 1, admitted)

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, found, 1)
		assertCounts(t, s, 1, 1)
	})

	t.Run("device type strategy", func(t *testing.T) {
		s := newStore(t)
		p := policy.Policy{Strategy: policy.StrategyDeviceType, Eviction: policy.EvictOldestLogin, Collision: policy.KickOld}

		_, err := s.Register(ctx, req("A", "phone-1", "mobile", "node-a", 0), p)
		require.NoError(t, err)
		evicted, err := s.Register(ctx, req("A", "pc-1", "desktop", "node-a", 1), p)
		require.NoError(t, err)
		assert.Empty(t, evicted)

		evicted, err = s.Register(ctx, req("A", "phone-2", "mobile", "node-b", 2), p)
		require.NoError(t, err)
		assert.Equal(t, []string{"phone-1"}, deviceIDs(evicted))

		found, err := s.FindSessions(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []string{"pc-1", "phone-2"}, deviceIDs(found))
	})

	t.Run("bounded oldest login", func(t *testing.T) {
		s := newStore(t)
		p := policy.Policy{Strategy: policy.StrategyBounded, MaxDevices: 2, Eviction: policy.EvictOldestLogin, Collision: policy.KickOld}

		for i, d := range []string{"D1", "D2"} {
			evicted, err := s.Register(ctx, req("u1", d, "", "node-a", i*10), p)
			require.NoError(t, err)
			assert.Empty(t, evicted)
		}

		evicted, err := s.Register(ctx, req("u1", "D3", "", "node-a", 20), p)
		require.NoError(t, err)
		assert.Equal(t, []string{"D1"}, deviceIDs(evicted))

		found, err := s.FindSessions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"D2", "D3"}, deviceIDs(found))
		assertCounts(t, s, 1, 2)
	})

	t.Run("bounded least active uses touch", func(t *testing.T) {
		s := newStore(t)
		p := policy.Policy{Strategy: policy.StrategyBounded, MaxDevices: 2, Eviction: policy.EvictLeastActive, Collision: policy.KickOld}

		_, err := s.Register(ctx, req("u1", "D1", "", "node-a", 0), p)
		require.NoError(t, err)
		_, err = s.Register(ctx, req("u1", "D2", "", "node-a", 10), p)
		require.NoError(t, err)
		require.NoError(t, s.Touch(ctx, "u1", "D1", base.Add(30*time.Second)))
		require.NoError(t, s.Touch(ctx, "u1", "missing", base.Add(30*time.Second)))

		evicted, err := s.Register(ctx, req("u1", "D3", "", "node-a", 40), p)
		require.NoError(t, err)
		assert.Equal(t, []string{"D2"}, deviceIDs(evicted))
	})

	t.Run("multi login is additive, same device replaced", func(t *testing.T) {
		s := newStore(t)

		for i, d := range []string{"d1", "d2", "d3"} {
			evicted, err := s.Register(ctx, req("u1", d, "", "node-a", i), multi)
			require.NoError(t, err)
			assert.Empty(t, evicted)
		}

		again := req("u1", "d2", "", "node-b", 5)
		evicted, err := s.Register(ctx, again, multi)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"d2": "node-a"}, store.NodeMap(evicted))
		assertCounts(t, s, 1, 3)
	})

	t.Run("unregister is idempotent", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Register(ctx, req("u1", "d1", "", "node-a", 0), multi)
		require.NoError(t, err)
		_, err = s.Register(ctx, req("u1", "d2", "", "node-a", 1), multi)
		require.NoError(t, err)

		removed, err := s.Unregister(ctx, "u1", "d1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Unregister(ctx, "u1", "d1")
		require.NoError(t, err)
		assert.False(t, removed)
		assertCounts(t, s, 1, 1)

		removed, err = s.Unregister(ctx, "u1", "d2")
		require.NoError(t, err)
		assert.True(t, removed)
		assertCounts(t, s, 0, 0)

		online, err := s.IsOnline(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("unregister session only removes its own binding", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Register(ctx, req("u1", "d1", "", "node-a", 0), single)
		require.NoError(t, err)
		_, err = s.Register(ctx, req("u1", "d1", "", "node-b", 1), single)
		require.NoError(t, err)

		removed, err := s.UnregisterSession(ctx, "u1", "d1", "node-a-d1")
		require.NoError(t, err)
		assert.False(t, removed, "stale session must not remove the newer binding")

		removed, err = s.UnregisterSession(ctx, "u1", "d1", "node-b-d1")
		require.NoError(t, err)
		assert.True(t, removed)
		assertCounts(t, s, 0, 0)
	})

	t.Run("unregister all", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Register(ctx, req("u1", "d1", "", "node-a", 0), multi)
		require.NoError(t, err)
		_, err = s.Register(ctx, req("u1", "d2", "", "node-b", 1), multi)
		require.NoError(t, err)
		_, err = s.Register(ctx, req("u2", "d9", "", "node-b", 1), multi)
		require.NoError(t, err)

		removed, err := s.UnregisterAll(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"d1": "node-a", "d2": "node-b"}, store.NodeMap(removed))
		assertCounts(t, s, 1, 1)

		removed, err = s.UnregisterAll(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("groups", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Join(ctx, "g1", "u1"))
		require.NoError(t, s.Join(ctx, "g1", "u2"))
		require.NoError(t, s.Join(ctx, "g1", "u2"))
		require.NoError(t, s.Join(ctx, "g2", "u1"))

		ok, err := s.IsMember(ctx, "g1", "u2")
		require.NoError(t, err)
		assert.True(t, ok)

		groups, err := s.GroupsForUser(ctx, "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"g1", "g2"}, groups)

		require.NoError(t, s.Leave(ctx, "g1", "u2"))
		require.NoError(t, s.Leave(ctx, "g1", "u2"))
		ok, err = s.IsMember(ctx, "g1", "u2")
		require.NoError(t, err)
		assert.False(t, ok)

		groups, err = s.GroupsForUser(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("members are paged", func(t *testing.T) {
		s := newStore(t)

		want := make([]string, 0, 250)
		for i := range 250 {
			u := fmt.Sprintf("user-%03d", i)
			want = append(want, u)
			require.NoError(t, s.Join(ctx, "big", u))
		}

		got, err := store.AllMembers(ctx, s, "big", 50)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, got)

		empty, err := store.AllMembers(ctx, s, "none", 50)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func assertCounts(t *testing.T, s store.Store, users, sessions int64) {
	t.Helper()
	ctx := context.Background()

	gotUsers, err := s.OnlineUserCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, users, gotUsers, "online users")

	gotSessions, err := s.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessions, gotSessions, "sessions")
}
