package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/registry"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/session/sessiontest"
)

type node struct {
	router    *Router
	sessions  *registry.LocalRegistry
	groups    *registry.GroupRegistry
	transport *cluster.LocalTransport
}

func newNode(t *testing.T, hub *cluster.LocalHub, id string) *node {
	t.Helper()

	sessions := registry.NewLocalRegistry(logger.NewNopLogger())
	groups := registry.NewGroupRegistry(sessions)
	n := &node{sessions: sessions, groups: groups}

	var transport cluster.Transport
	if hub != nil {
		n.transport = hub.Join(id)
		transport = n.transport
	}
	n.router = New(id, sessions, groups, transport, logger.NewNopLogger())

	if n.transport != nil {
		require.NoError(t, n.transport.Start(context.Background(), func(env *cluster.Envelope) {
			n.router.Deliver(env)
		}))
	}
	return n
}

func (n *node) connect(t *testing.T, id, user string) *sessiontest.Conn {
	t.Helper()
	conn := sessiontest.NewConn("127.0.0.1:0")
	s := session.New(id, conn, time.Now())
	require.NoError(t, s.Bind(session.BindRequest{UserID: user, DeviceID: "dev-" + id}))
	require.True(t, n.sessions.Add(s))
	return conn
}

func TestRouter_SendToUser(t *testing.T) {
	ctx := context.Background()
	msg := Message{CommandID: 7, Payload: []byte("hello")}

	t.Run("local user publishes nothing", func(t *testing.T) {
		hub := cluster.NewLocalHub()
		a := newNode(t, hub, "node-a")
		conn := a.connect(t, "a-1", "u1")

		assert.True(t, a.router.SendToUser(ctx, "u1", msg))
		assert.Equal(t, []string{"hello"}, conn.Sent())
		assert.Empty(t, a.transport.Sent())
	})

	t.Run("remote user gets exactly one envelope", func(t *testing.T) {
		hub := cluster.NewLocalHub()
		a := newNode(t, hub, "node-a")
		b := newNode(t, hub, "node-b")
		conn := b.connect(t, "b-1", "u2")

		assert.False(t, a.router.SendToUser(ctx, "u2", msg))

		sent := a.transport.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, cluster.SendToUser, sent[0].Type)
		assert.Equal(t, "u2", sent[0].TargetUserID)
		assert.Equal(t, "node-a", sent[0].FromNodeID)
		assert.Equal(t, int32(7), sent[0].CommandID)
		assert.Equal(t, []string{"hello"}, conn.Sent())
	})

	t.Run("single node without transport", func(t *testing.T) {
		a := newNode(t, nil, "node-a")
		assert.False(t, a.router.Clustered())
		assert.False(t, a.router.SendToUser(ctx, "u1", msg))
	})

	t.Run("transport failure keeps local delivery", func(t *testing.T) {
		hub := cluster.NewLocalHub()
		a := newNode(t, hub, "node-a")
		conn := a.connect(t, "a-1", "u1")
		a.transport.SetDown(true)

		missing := a.router.SendToUsers(ctx, []string{"u1", "u9"}, msg)
		assert.Equal(t, []string{"u9"}, missing)
		assert.Equal(t, []string{"hello"}, conn.Sent())
		assert.Empty(t, a.transport.Sent())
	})
}

func TestRouter_SendToUsers(t *testing.T) {
	ctx := context.Background()
	hub := cluster.NewLocalHub()
	a := newNode(t, hub, "node-a")
	b := newNode(t, hub, "node-b")

	c1 := a.connect(t, "a-1", "u1")
	c2 := b.connect(t, "b-1", "u2")
	c3 := b.connect(t, "b-2", "u3")

	missing := a.router.SendToUsers(ctx, []string{"u1", "u2", "u3", "u2", "ghost"}, Message{Payload: []byte("batch")})
	assert.Equal(t, []string{"u2", "u3", "ghost"}, missing)

	sent := a.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, cluster.SendToUsersBatch, sent[0].Type)
	assert.Equal(t, []string{"u2", "u3", "ghost"}, sent[0].TargetUserIDs)

	assert.Equal(t, []string{"batch"}, c1.Sent())
	assert.Equal(t, []string{"batch"}, c2.Sent())
	assert.Equal(t, []string{"batch"}, c3.Sent())

	assert.Empty(t, a.router.SendToUsers(ctx, []string{"u1"}, Message{Payload: []byte("x")}))
	assert.Len(t, a.transport.Sent(), 1)
}

func TestRouter_SendToGroup(t *testing.T) {
	ctx := context.Background()
	hub := cluster.NewLocalHub()
	a := newNode(t, hub, "node-a")
	b := newNode(t, hub, "node-b")

	c1 := a.connect(t, "a-1", "u1")
	c2 := a.connect(t, "a-2", "u2")
	c3 := b.connect(t, "b-1", "u3")
	for _, u := range []string{"u1", "u2"} {
		a.groups.Add("g1", u)
	}
	b.groups.Add("g1", "u3")

	delivered := a.router.SendToGroup(ctx, "g1", Message{Payload: []byte("grp")}, "u2")
	assert.Equal(t, 1, delivered)

	assert.Equal(t, []string{"grp"}, c1.Sent())
	assert.Empty(t, c2.Sent())
	assert.Equal(t, []string{"grp"}, c3.Sent())

	sent := a.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"u2"}, sent[0].ExcludeUserIDs)
}

func TestRouter_GroupMembershipFollowsTheUser(t *testing.T) {
	ctx := context.Background()
	hub := cluster.NewLocalHub()
	a := newNode(t, hub, "node-a")
	b := newNode(t, hub, "node-b")

	c3 := b.connect(t, "b-1", "u3")

	a.router.JoinGroup(ctx, "g1", "u3")
	assert.Empty(t, a.groups.Members("g1"), "u3 is not connected to node-a")
	assert.Equal(t, []string{"u3"}, b.groups.Members("g1"))

	a.router.SendToGroup(ctx, "g1", Message{Payload: []byte("after-join")})
	assert.Equal(t, []string{"after-join"}, c3.Sent())

	a.router.LeaveGroup(ctx, "g1", "u3")
	assert.Empty(t, b.groups.Members("g1"))

	a.router.SendToGroup(ctx, "g1", Message{Payload: []byte("after-leave")})
	assert.Equal(t, []string{"after-join"}, c3.Sent())

	sent := a.transport.Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, cluster.GroupJoin, sent[0].Type)
	assert.Equal(t, cluster.GroupLeave, sent[2].Type)
	assert.Equal(t, "u3", sent[2].TargetUserID)
}

func TestRouter_Broadcast(t *testing.T) {
	ctx := context.Background()
	hub := cluster.NewLocalHub()
	a := newNode(t, hub, "node-a")
	b := newNode(t, hub, "node-b")

	c1 := a.connect(t, "a-1", "u1")
	c2 := b.connect(t, "b-1", "u2")

	assert.Equal(t, 1, a.router.Broadcast(ctx, Message{Payload: []byte("all")}))
	assert.Equal(t, []string{"all"}, c1.Sent(), "own envelope must not deliver twice")
	assert.Equal(t, []string{"all"}, c2.Sent())
}

func TestRouter_DeliverIgnoresKickAndOwnEnvelopes(t *testing.T) {
	a := newNode(t, nil, "node-a")
	a.connect(t, "a-1", "u1")

	assert.False(t, a.router.Deliver(&cluster.Envelope{Type: cluster.SendToUser, TargetUserID: "u1", FromNodeID: "node-a"}))
	assert.False(t, a.router.Deliver(&cluster.Envelope{Type: cluster.KickOut, TargetUserID: "u1", TargetDeviceIDs: []string{"d"}, FromNodeID: "node-b"}))
	assert.True(t, a.router.Deliver(&cluster.Envelope{Type: cluster.SendToUser, TargetUserID: "u1", FromNodeID: "node-b"}))

	assert.True(t, a.router.Deliver(&cluster.Envelope{Type: cluster.GroupJoin, TargetGroupID: "g1", TargetUserID: "u9", FromNodeID: "node-b"}))
	assert.Empty(t, a.groups.Members("g1"), "users without a local session are not cached")
}
