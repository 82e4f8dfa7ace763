// Package engine ties the session lifecycle together: transport callbacks
// become pipeline entries, a single consumer runs every business callback,
// logins go through the collision resolver, and messages go through the
// router.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/idgenerator"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/login"
	"github.com/cyberinferno/go-sessionhub/pipeline"
	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/registry"
	"github.com/cyberinferno/go-sessionhub/routing"
	"github.com/cyberinferno/go-sessionhub/safemap"
	"github.com/cyberinferno/go-sessionhub/safeset"
	"github.com/cyberinferno/go-sessionhub/store"
)

var (
	// ErrOverloaded is returned by admission when the pipeline is short of
	// free slots or the connection ceiling is reached.
	ErrOverloaded = errors.New("engine overloaded")

	// ErrDegraded is returned by admission after the pipeline consumer died.
	ErrDegraded = errors.New("engine degraded")

	// ErrNotRunning is returned by admission before Start or after Stop.
	ErrNotRunning = errors.New("engine not running")
)

// Config holds the engine settings.
type Config struct {
	NodeID string

	// PipelineCapacity is the number of event slots.
	PipelineCapacity int

	// MinRemainingCapacity rejects new connections once fewer pipeline
	// slots than this are free.
	MinRemainingCapacity int

	// MaxConnections caps local connections; 0 means unlimited.
	MaxConnections int

	Policy       policy.Policy
	LoginTimeout time.Duration

	// TouchInterval throttles last-active updates in the store; 0 disables them.
	TouchInterval time.Duration

	// StoreTimeout bounds background store calls such as unregister on
	// disconnect.
	StoreTimeout time.Duration
}

// DefaultConfig returns a single-node configuration for nodeID.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:               nodeID,
		PipelineCapacity:     4096,
		MinRemainingCapacity: 64,
		Policy:               policy.Default(),
		LoginTimeout:         login.DefaultTimeout,
		TouchInterval:        30 * time.Second,
		StoreTimeout:         5 * time.Second,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithAuthenticator makes the first message of an unbound session a login
// attempt handled by a.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Engine) { e.auth = a }
}

// WithNotices sets the encoder for login-failure and eviction notices.
func WithNotices(n login.Notices) Option {
	return func(e *Engine) { e.notices = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is one node of the session hub. All state is owned by the instance.
type Engine struct {
	cfg       Config
	logger    logger.Logger
	store     store.Store
	transport cluster.Transport
	auth      Authenticator
	notices   login.Notices
	now       func() time.Time

	ids      *idgenerator.IdGenerator
	sessions *registry.LocalRegistry
	groups   *registry.GroupRegistry
	router   *routing.Router
	resolver *login.Resolver
	pipe     *pipeline.Pipeline

	listeners listeners

	touched        *safemap.SafeMap[string, time.Time]
	authenticating *safeset.SafeSet[string]

	running  atomic.Bool
	degraded atomic.Bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	bg     errgroup.Group
}

// New builds an engine. transport may be nil for a single node.
//
// Parameters:
//   - cfg: Engine settings
//   - st: Authoritative state store
//   - transport: Cluster transport, or nil
//   - log: Logger
//   - opts: Optional collaborators
//
// Returns:
//   - The engine, or an error for invalid settings
func New(cfg Config, st store.Store, transport cluster.Transport, log logger.Logger, opts ...Option) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("engine requires a node id")
	}
	if st == nil {
		return nil, errors.New("engine requires a state store")
	}
	if cfg.MinRemainingCapacity < 0 || cfg.MinRemainingCapacity >= cfg.PipelineCapacity {
		return nil, fmt.Errorf("min remaining capacity %d must be in [0, %d)", cfg.MinRemainingCapacity, cfg.PipelineCapacity)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	log = log.With(logger.Field{Key: "node", Value: cfg.NodeID})
	e := &Engine{
		cfg:            cfg,
		logger:         log.With(logger.Field{Key: "component", Value: "engine"}),
		store:          st,
		transport:      transport,
		now:            time.Now,
		ids:            idgenerator.NewIdGenerator(cfg.NodeID, 0),
		touched:        safemap.NewSafeMap[string, time.Time](),
		authenticating: safeset.NewSafeSet[string](),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.sessions = registry.NewLocalRegistry(log)
	e.groups = registry.NewGroupRegistry(e.sessions)
	e.router = routing.New(cfg.NodeID, e.sessions, e.groups, transport, log)

	resolver, err := login.NewResolver(st, e.sessions, transport, e.notices, login.Options{
		NodeID:  cfg.NodeID,
		Policy:  cfg.Policy,
		Timeout: cfg.LoginTimeout,
		Now:     e.now,
	}, log)
	if err != nil {
		return nil, err
	}
	e.resolver = resolver

	pipe, err := pipeline.New(cfg.PipelineCapacity, e.dispatch, log)
	if err != nil {
		return nil, err
	}
	pipe.OnFatal(func(err error) {
		e.degraded.Store(true)
		e.logger.Error("engine degraded, refusing new connections", logger.Field{Key: "error", Value: err})
	})
	e.pipe = pipe

	return e, nil
}

// NodeID returns this node's identifier.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Start launches the pipeline consumer and subscribes to the cluster.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pipe.Start(); err != nil {
		return err
	}

	if e.transport != nil {
		if err := e.transport.Start(ctx, e.onEnvelope); err != nil {
			_ = e.pipe.Stop(ctx)
			return fmt.Errorf("start cluster transport: %w", err)
		}
	}

	e.running.Store(true)
	e.logger.Info("engine started",
		logger.Field{Key: "strategy", Value: string(e.cfg.Policy.Strategy)},
		logger.Field{Key: "clustered", Value: e.transport != nil},
	)
	return nil
}

// Stop refuses new connections, leaves the cluster, waits for background
// store work and drains the pipeline. Connections are closed by the
// transport, not here.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.running.Store(false)

		var errs []error
		if e.transport != nil {
			if cerr := e.transport.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close cluster transport: %w", cerr))
			}
		}

		waited := make(chan struct{})
		go func() {
			_ = e.bg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("background work: %w", ctx.Err()))
		}
		e.cancel()

		if perr := e.pipe.Stop(ctx); perr != nil {
			errs = append(errs, perr)
		}

		e.logger.Info("engine stopped")
		err = errors.Join(errs...)
	})

	return err
}

// Degraded reports whether the pipeline consumer has died.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Stats is a snapshot of node and cluster utilisation.
type Stats struct {
	LocalConnections  int
	PipelineRemaining int
	PipelineSize      int
	OnlineUsers       int64
	Sessions          int64
}

// Stats returns local counters and the distributed counters from the store.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		LocalConnections:  e.sessions.TotalConnectionCount(),
		PipelineRemaining: e.pipe.RemainingCapacity(),
		PipelineSize:      e.pipe.BufferSize(),
	}

	var err error
	if st.OnlineUsers, err = e.store.OnlineUserCount(ctx); err != nil {
		return st, err
	}
	if st.Sessions, err = e.store.SessionCount(ctx); err != nil {
		return st, err
	}

	return st, nil
}

// Sessions exposes the local registry for read-only lookups.
func (e *Engine) Sessions() *registry.LocalRegistry {
	return e.sessions
}

// Resolver exposes the login resolver, mainly for its policy.
func (e *Engine) Resolver() *login.Resolver {
	return e.resolver
}

// background runs fn off the consumer with a store deadline.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.bg.Go(func() error {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.StoreTimeout)
		defer cancel()
		fn(ctx)
		return nil
	})
}

// schedule queues fn to run on the consumer. Continuations must not be lost
// to a momentarily full ring, so ErrFull is retried until the engine stops.
func (e *Engine) schedule(fn func()) error {
	for {
		err := e.pipe.Publish(func(en *pipeline.Entry) { en.SetTask(fn) })
		if !errors.Is(err, pipeline.ErrFull) {
			return err
		}

		select {
		case <-e.ctx.Done():
			return pipeline.ErrStopped
		case <-time.After(time.Millisecond):
		}
	}
}
