package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
)

func newBus(t *testing.T, mr *miniredis.Miniredis, node string) (*Bus, chan *cluster.Envelope) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := New(client, Options{KeyPrefix: "test", NodeID: node}, logger.NewNopLogger())
	require.NoError(t, err)

	got := make(chan *cluster.Envelope, 16)
	require.NoError(t, bus.Start(context.Background(), func(env *cluster.Envelope) { got <- env }))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, got
}

func receive(t *testing.T, ch chan *cluster.Envelope) *cluster.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func assertSilent(t *testing.T, ch chan *cluster.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{KeyPrefix: "p"}, logger.NewNopLogger())
	assert.Error(t, err)

	_, err = New(nil, Options{NodeID: "n"}, logger.NewNopLogger())
	assert.Error(t, err)
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("publish reaches every node", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, gotA := newBus(t, mr, "node-a")
		_, gotB := newBus(t, mr, "node-b")

		env := &cluster.Envelope{Type: cluster.SendToUser, TargetUserID: "u1", FromNodeID: "node-a", CommandID: 3, Payload: []byte("hi")}
		require.NoError(t, a.Publish(ctx, env))

		assert.Equal(t, env, receive(t, gotA))
		assert.Equal(t, env, receive(t, gotB))
	})

	t.Run("send to node is addressed", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, gotA := newBus(t, mr, "node-a")
		_, gotB := newBus(t, mr, "node-b")

		kick := &cluster.Envelope{Type: cluster.KickOut, TargetUserID: "u1", TargetDeviceIDs: []string{"d1"}, FromNodeID: "node-a"}
		require.NoError(t, a.SendToNode(ctx, "node-b", kick))

		assert.Equal(t, kick, receive(t, gotB))
		assertSilent(t, gotA)
	})

	t.Run("malformed envelopes are dropped", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, gotA := newBus(t, mr, "node-a")

		mr.Publish(cluster.RouteChannel("test"), "not json")
		mr.Publish(cluster.RouteChannel("test"), `{"messageType":"SEND_TO_USER","fromNodeId":"x"}`)

		env := &cluster.Envelope{Type: cluster.Broadcast, FromNodeID: "node-a", Payload: []byte("all")}
		require.NoError(t, a.Publish(ctx, env))
		assert.Equal(t, env, receive(t, gotA))
	})

	t.Run("invalid outbound envelope is rejected", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, _ := newBus(t, mr, "node-a")

		err := a.Publish(ctx, &cluster.Envelope{Type: cluster.SendToUser, FromNodeID: "node-a"})
		assert.ErrorIs(t, err, cluster.ErrMalformedEnvelope)
	})

	t.Run("broker down", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, _ := newBus(t, mr, "node-a")
		mr.Close()

		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := a.Publish(cctx, &cluster.Envelope{Type: cluster.Broadcast, FromNodeID: "node-a"})
		assert.ErrorIs(t, err, cluster.ErrUnavailable)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a, _ := newBus(t, mr, "node-a")
		assert.NoError(t, a.Close())
		assert.NoError(t, a.Close())
	})
}
