// Package redisbus carries cluster envelopes over Redis pub/sub.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
)

// Options configures a Bus.
type Options struct {
	// KeyPrefix namespaces the channel names. Usually the same prefix as the
	// state store.
	KeyPrefix string

	// NodeID selects the node channel this bus listens on.
	NodeID string
}

// Bus implements cluster.Transport with one subscription on the shared route
// channel and one on this node's own channel. The redis client is shared with
// the caller and is not closed by the bus.
type Bus struct {
	client redis.UniversalClient
	logger logger.Logger
	route  string
	node   string
	prefix string

	mu     sync.Mutex
	subs   []*redis.PubSub
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ cluster.Transport = (*Bus)(nil)

// New creates a bus for the given node.
func New(client redis.UniversalClient, opts Options, log logger.Logger) (*Bus, error) {
	if opts.NodeID == "" {
		return nil, errors.New("redis bus requires a node id")
	}
	if opts.KeyPrefix == "" {
		return nil, errors.New("redis bus requires a key prefix")
	}

	return &Bus{
		client: client,
		logger: log.With(logger.Field{Key: "component", Value: "redis_bus"}, logger.Field{Key: "node", Value: opts.NodeID}),
		route:  cluster.RouteChannel(opts.KeyPrefix),
		node:   cluster.NodeChannel(opts.KeyPrefix, opts.NodeID),
		prefix: opts.KeyPrefix,
	}, nil
}

// Start implements cluster.Transport. It returns once both subscriptions are
// confirmed by the server.
func (b *Bus) Start(ctx context.Context, handler cluster.Handler) error {
	if handler == nil {
		return errors.New("cluster handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		return errors.New("redis bus already started")
	}

	subs := make([]*redis.PubSub, 0, 2)
	for _, channel := range []string{b.route, b.node} {
		ps := b.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("subscribe %s: %w: %w", channel, cluster.ErrUnavailable, err)
		}
		subs = append(subs, ps)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	for _, ps := range subs {
		ch := ps.Channel()
		g.Go(func() error {
			return b.receive(gctx, ch, handler)
		})
	}

	b.subs = subs
	b.cancel = cancel
	b.group = g
	b.logger.Info("cluster bus subscribed",
		logger.Field{Key: "route", Value: b.route},
		logger.Field{Key: "node_channel", Value: b.node},
	)
	return nil
}

func (b *Bus) receive(ctx context.Context, ch <-chan *redis.Message, handler cluster.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			env, err := cluster.Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed envelope",
					logger.Field{Key: "channel", Value: msg.Channel},
					logger.Field{Key: "error", Value: err},
				)
				continue
			}

			handler(env)
		}
	}
}

// Publish implements cluster.Transport.
func (b *Bus) Publish(ctx context.Context, env *cluster.Envelope) error {
	return b.publish(ctx, b.route, env)
}

// SendToNode implements cluster.Transport.
func (b *Bus) SendToNode(ctx context.Context, nodeID string, env *cluster.Envelope) error {
	return b.publish(ctx, cluster.NodeChannel(b.prefix, nodeID), env)
}

func (b *Bus) publish(ctx context.Context, channel string, env *cluster.Envelope) error {
	data, err := cluster.Encode(env)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", channel, cluster.ErrUnavailable, err)
	}

	return nil
}

// Close implements cluster.Transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group == nil {
		return nil
	}

	b.cancel()
	var errs []error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	b.subs = nil
	b.group = nil
	return errors.Join(errs...)
}
