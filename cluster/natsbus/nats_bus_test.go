package natsbus

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "sessionhub.route", RouteSubject("sessionhub"))
	assert.Equal(t, "sessionhub.node.node-7", NodeSubject("sessionhub", "node-7"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{Prefix: "p"}, logger.NewNopLogger())
	assert.Error(t, err)

	_, err = New(nil, Options{NodeID: "n"}, logger.NewNopLogger())
	assert.Error(t, err)
}

func TestBus_Dispatch(t *testing.T) {
	bus, err := New(nil, Options{Prefix: "p", NodeID: "node-a"}, logger.NewNopLogger())
	require.NoError(t, err)

	var got []*cluster.Envelope
	handler := func(env *cluster.Envelope) { got = append(got, env) }

	bus.dispatch(&nats.Msg{Subject: "p.route", Data: []byte("{broken")}, handler)
	assert.Empty(t, got)

	data, err := cluster.Encode(&cluster.Envelope{Type: cluster.SendToGroup, TargetGroupID: "g1", FromNodeID: "node-b"})
	require.NoError(t, err)
	bus.dispatch(&nats.Msg{Subject: "p.route", Data: data}, handler)

	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].TargetGroupID)
}

func TestBus_PublishWithoutConnection(t *testing.T) {
	bus, err := New(nil, Options{Prefix: "p", NodeID: "node-a"}, logger.NewNopLogger())
	require.NoError(t, err)

	err = bus.Publish(context.Background(), &cluster.Envelope{Type: cluster.Broadcast, FromNodeID: "node-a"})
	assert.ErrorIs(t, err, cluster.ErrUnavailable)

	err = bus.SendToNode(context.Background(), "node-b", &cluster.Envelope{Type: cluster.KickOut, FromNodeID: "node-a"})
	assert.ErrorIs(t, err, cluster.ErrMalformedEnvelope)

	assert.NoError(t, bus.Close())
}
