package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// LocalHub is an in-process broker connecting several LocalTransports, one
// per node. Envelopes go through Encode/Decode exactly as on a real broker.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[string]*LocalTransport
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{nodes: make(map[string]*LocalTransport)}
}

// Join returns the transport for nodeID, creating it on first use.
func (h *LocalHub) Join(nodeID string) *LocalTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.nodes[nodeID]; ok {
		return t
	}

	t := &LocalTransport{hub: h, nodeID: nodeID}
	h.nodes[nodeID] = t
	return t
}

func (h *LocalHub) subscribers() []*LocalTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*LocalTransport, 0, len(h.nodes))
	for _, t := range h.nodes {
		out = append(out, t)
	}

	return out
}

func (h *LocalHub) node(nodeID string) (*LocalTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[nodeID]
	return t, ok
}

// LocalTransport is a Transport attached to a LocalHub.
type LocalTransport struct {
	hub    *LocalHub
	nodeID string

	mu      sync.RWMutex
	handler Handler
	down    atomic.Bool

	sentMu sync.Mutex
	sent   []*Envelope
}

var _ Transport = (*LocalTransport)(nil)

// Start implements Transport.
func (t *LocalTransport) Start(_ context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("cluster handler is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

// Publish implements Transport.
func (t *LocalTransport) Publish(_ context.Context, env *Envelope) error {
	data, err := t.outbound(env)
	if err != nil {
		return err
	}

	for _, sub := range t.hub.subscribers() {
		sub.deliver(data)
	}

	return nil
}

// SendToNode implements Transport.
func (t *LocalTransport) SendToNode(_ context.Context, nodeID string, env *Envelope) error {
	data, err := t.outbound(env)
	if err != nil {
		return err
	}

	if target, ok := t.hub.node(nodeID); ok {
		target.deliver(data)
	}

	return nil
}

// Close implements Transport.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
	return nil
}

// SetDown simulates a broker outage: while down, sends fail with ErrUnavailable.
func (t *LocalTransport) SetDown(down bool) {
	t.down.Store(down)
}

// Sent returns every envelope this transport successfully sent.
func (t *LocalTransport) Sent() []*Envelope {
	t.sentMu.Lock()
	defer t.sentMu.Unlock()
	return append([]*Envelope(nil), t.sent...)
}

func (t *LocalTransport) outbound(env *Envelope) ([]byte, error) {
	if t.down.Load() {
		return nil, ErrUnavailable
	}

	data, err := Encode(env)
	if err != nil {
		return nil, err
	}

	t.sentMu.Lock()
	t.sent = append(t.sent, env)
	t.sentMu.Unlock()
	return data, nil
}

func (t *LocalTransport) deliver(data []byte) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	env, err := Decode(data)
	if err != nil {
		return
	}

	handler(env)
}
