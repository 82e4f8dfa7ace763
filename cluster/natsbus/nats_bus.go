// Package natsbus carries cluster envelopes over NATS core subjects.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
)

// flushTimeout bounds Start when the caller's context has no deadline;
// nats refuses to flush without one.
const flushTimeout = 5 * time.Second

// Options configures a Bus.
type Options struct {
	// Prefix namespaces subjects, e.g. "sessionhub".
	Prefix string

	// NodeID selects the node subject this bus listens on.
	NodeID string
}

// RouteSubject is the subject every node subscribes to.
func RouteSubject(prefix string) string {
	return prefix + ".route"
}

// NodeSubject is the subject addressed to a single node.
func NodeSubject(prefix, nodeID string) string {
	return prefix + ".node." + nodeID
}

// Bus implements cluster.Transport on a NATS connection owned by the caller.
type Bus struct {
	conn   *nats.Conn
	logger logger.Logger
	prefix string
	route  string
	node   string

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ cluster.Transport = (*Bus)(nil)

// New creates a bus for the given node.
func New(conn *nats.Conn, opts Options, log logger.Logger) (*Bus, error) {
	if opts.NodeID == "" {
		return nil, errors.New("nats bus requires a node id")
	}
	if opts.Prefix == "" {
		return nil, errors.New("nats bus requires a subject prefix")
	}

	return &Bus{
		conn:   conn,
		logger: log.With(logger.Field{Key: "component", Value: "nats_bus"}, logger.Field{Key: "node", Value: opts.NodeID}),
		prefix: opts.Prefix,
		route:  RouteSubject(opts.Prefix),
		node:   NodeSubject(opts.Prefix, opts.NodeID),
	}, nil
}

// Start implements cluster.Transport. Both subscriptions are flushed to the
// server before Start returns.
func (b *Bus) Start(ctx context.Context, handler cluster.Handler) error {
	if handler == nil {
		return errors.New("cluster handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs != nil {
		return errors.New("nats bus already started")
	}

	cb := func(msg *nats.Msg) { b.dispatch(msg, handler) }
	subs := make([]*nats.Subscription, 0, 2)
	for _, subject := range []string{b.route, b.node} {
		sub, err := b.conn.Subscribe(subject, cb)
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("subscribe %s: %w: %w", subject, cluster.ErrUnavailable, err)
		}
		subs = append(subs, sub)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}

	if err := b.conn.FlushWithContext(ctx); err != nil {
		unsubscribeAll(subs)
		return fmt.Errorf("flush subscriptions: %w: %w", cluster.ErrUnavailable, err)
	}

	b.subs = subs
	b.logger.Info("cluster bus subscribed",
		logger.Field{Key: "route", Value: b.route},
		logger.Field{Key: "node_subject", Value: b.node},
	)
	return nil
}

func (b *Bus) dispatch(msg *nats.Msg, handler cluster.Handler) {
	env, err := cluster.Decode(msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed envelope",
			logger.Field{Key: "subject", Value: msg.Subject},
			logger.Field{Key: "error", Value: err},
		)
		return
	}

	handler(env)
}

// Publish implements cluster.Transport.
func (b *Bus) Publish(_ context.Context, env *cluster.Envelope) error {
	return b.publish(b.route, env)
}

// SendToNode implements cluster.Transport.
func (b *Bus) SendToNode(_ context.Context, nodeID string, env *cluster.Envelope) error {
	return b.publish(NodeSubject(b.prefix, nodeID), env)
}

func (b *Bus) publish(subject string, env *cluster.Envelope) error {
	data, err := cluster.Encode(env)
	if err != nil {
		return err
	}

	if b.conn == nil || !b.conn.IsConnected() {
		return fmt.Errorf("publish %s: %w", subject, cluster.ErrUnavailable)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w: %w", subject, cluster.ErrUnavailable, err)
	}

	return nil
}

// Close implements cluster.Transport. The connection itself stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := unsubscribeAll(b.subs)
	b.subs = nil
	return err
}

func unsubscribeAll(subs []*nats.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
