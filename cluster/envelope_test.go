package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"user ok", Envelope{Type: SendToUser, TargetUserID: "u1", FromNodeID: "a"}, true},
		{"user missing target", Envelope{Type: SendToUser, FromNodeID: "a"}, false},
		{"batch missing targets", Envelope{Type: SendToUsersBatch, FromNodeID: "a"}, false},
		{"group ok", Envelope{Type: SendToGroup, TargetGroupID: "g1", FromNodeID: "a"}, true},
		{"broadcast ok", Envelope{Type: Broadcast, FromNodeID: "a"}, true},
		{"join ok", Envelope{Type: GroupJoin, TargetGroupID: "g1", TargetUserID: "u1", FromNodeID: "a"}, true},
		{"leave without user", Envelope{Type: GroupLeave, TargetGroupID: "g1", FromNodeID: "a"}, false},
		{"kick without devices", Envelope{Type: KickOut, TargetUserID: "u1", FromNodeID: "a"}, false},
		{"kick ok", Envelope{Type: KickOut, TargetUserID: "u1", TargetDeviceIDs: []string{"d1"}, FromNodeID: "a"}, true},
		{"missing node", Envelope{Type: Broadcast}, false},
		{"unknown type", Envelope{Type: "PING", FromNodeID: "a"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
			}
		})
	}
}

func TestEncodeDecode_PayloadIsOpaque(t *testing.T) {
	payload := []byte{0x00, 0xff, '\n', 0x10}
	env := &Envelope{
		Type:           SendToGroup,
		TargetGroupID:  "g1",
		ExcludeUserIDs: []string{"u2"},
		FromNodeID:     "node-a",
		CommandID:      42,
		Payload:        payload,
	}

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decode([]byte(`{"messageType":"SEND_TO_USER","fromNodeId":"a"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "hub:cluster:route", RouteChannel("hub"))
	assert.Equal(t, "hub:cluster:node:n1", NodeChannel("hub", "n1"))
}

type collector struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (c *collector) handle(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestLocalHub(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	assert.Same(t, a, hub.Join("a"))

	var ca, cb, cc collector
	require.NoError(t, a.Start(ctx, ca.handle))
	require.NoError(t, b.Start(ctx, cb.handle))
	require.NoError(t, c.Start(ctx, cc.handle))

	t.Run("publish reaches every node", func(t *testing.T) {
		require.NoError(t, a.Publish(ctx, &Envelope{Type: Broadcast, FromNodeID: "a", Payload: []byte("hi")}))
		assert.Equal(t, 1, ca.count())
		assert.Equal(t, 1, cb.count())
		assert.Equal(t, 1, cc.count())
	})

	t.Run("send to node reaches only that node", func(t *testing.T) {
		kick := &Envelope{Type: KickOut, TargetUserID: "u1", TargetDeviceIDs: []string{"d1"}, FromNodeID: "a"}
		require.NoError(t, a.SendToNode(ctx, "b", kick))
		assert.Equal(t, 1, ca.count())
		assert.Equal(t, 2, cb.count())
		assert.Equal(t, 1, cc.count())
		assert.Len(t, a.Sent(), 2)
	})

	t.Run("down transport fails", func(t *testing.T) {
		a.SetDown(true)
		err := a.Publish(ctx, &Envelope{Type: Broadcast, FromNodeID: "a"})
		assert.ErrorIs(t, err, ErrUnavailable)
		a.SetDown(false)
	})

	t.Run("invalid envelope is rejected before sending", func(t *testing.T) {
		err := a.Publish(ctx, &Envelope{Type: SendToUser, FromNodeID: "a"})
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("closed transport stops receiving", func(t *testing.T) {
		require.NoError(t, c.Close())
		require.NoError(t, a.Publish(ctx, &Envelope{Type: Broadcast, FromNodeID: "a"}))
		assert.Equal(t, 1, cc.count())
	})
}
