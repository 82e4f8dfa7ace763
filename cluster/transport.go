package cluster

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the cluster transport cannot reach its broker.
var ErrUnavailable = errors.New("cluster transport unavailable")

// Handler receives decoded envelopes. It is called from the transport's
// receive goroutine and must not block.
type Handler func(env *Envelope)

// Transport moves envelopes between nodes.
type Transport interface {
	// Start subscribes to the shared routing channel and to this node's own
	// channel, delivering every valid envelope to handler. Malformed
	// envelopes are logged and dropped by the implementation.
	Start(ctx context.Context, handler Handler) error

	// Publish sends env on the shared channel every node subscribes to.
	Publish(ctx context.Context, env *Envelope) error

	// SendToNode sends env on the channel addressed to nodeID only. Used
	// for KICK_OUT so eviction notices reach just the owning node.
	SendToNode(ctx context.Context, nodeID string, env *Envelope) error

	// Close unsubscribes and releases broker resources.
	Close() error
}

// RouteChannel is the shared channel name for ordinary routing.
func RouteChannel(prefix string) string {
	return prefix + ":cluster:route"
}

// NodeChannel is the channel addressed to a single node.
func NodeChannel(prefix, nodeID string) string {
	return prefix + ":cluster:node:" + nodeID
}
