// Package login runs the login-collision workflow: preview the user's
// bindings, apply the configured policy, register atomically, and evict the
// sessions that must yield, both on this node and on remote ones.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/registry"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/store"
)

var (
	// ErrLoginRejected is returned when the collision policy keeps the
	// existing bindings and refuses the new login.
	ErrLoginRejected = errors.New("login rejected by collision policy")

	// ErrLoginPending is returned when the session already has a bind in flight.
	ErrLoginPending = errors.New("login already in progress")

	// ErrSessionGone is returned when the session disconnected or was evicted
	// before its login completed.
	ErrSessionGone = errors.New("session gone before login completed")
)

// DefaultTimeout bounds one login when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Notices produces the already-encoded bytes sent to clients on login
// failure and on eviction. A nil Notices sends nothing.
type Notices interface {
	LoginFailed(reason string) []byte
	Evicted(userID, deviceID string) []byte
}

// Options configures a Resolver.
type Options struct {
	NodeID  string
	Policy  policy.Policy
	Timeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type pendingLogin struct {
	userID   string
	deviceID string
}

// Outcome is the result of the remote part of a login, handed to Complete.
type Outcome struct {
	Request session.BindRequest

	// Evicted holds every binding the store removed.
	Evicted []policy.Binding

	// Local is the subset of Evicted owned by this node.
	Local []policy.Binding
}

// Resolver applies the login policy for one node.
type Resolver struct {
	nodeID    string
	policy    policy.Policy
	timeout   time.Duration
	now       func() time.Time
	store     store.SessionStore
	sessions  *registry.LocalRegistry
	transport cluster.Transport
	notices   Notices
	logger    logger.Logger
	pending   *cache.Cache
}

// NewResolver creates a resolver. transport and notices may be nil.
//
// Parameters:
//   - st: Authoritative session store
//   - sessions: This node's session registry
//   - transport: Cluster transport used for KICK_OUT, nil on a single node
//   - notices: Encoder for client notices, may be nil
//   - opts: Node identity, policy and timeout
//   - log: Logger
//
// Returns:
//   - The resolver, or an error for an invalid policy or missing node id
func NewResolver(st store.SessionStore, sessions *registry.LocalRegistry, transport cluster.Transport, notices Notices, opts Options, log logger.Logger) (*Resolver, error) {
	if opts.NodeID == "" {
		return nil, errors.New("login resolver requires a node id")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Resolver{
		nodeID:    opts.NodeID,
		policy:    opts.Policy,
		timeout:   opts.Timeout,
		now:       opts.Now,
		store:     st,
		sessions:  sessions,
		transport: transport,
		notices:   notices,
		logger:    log.With(logger.Field{Key: "component", Value: "login"}),
		pending:   cache.New(opts.Timeout, 2*opts.Timeout),
	}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() policy.Policy {
	return r.policy
}

// Resolve performs the blocking part of a login and must not run on the
// pipeline consumer. It previews the user's bindings, rejects the login if
// the collision policy says so, registers the new binding and sends KICK_OUT
// to every remote node that lost a binding. Any store failure rejects the
// login.
//
// On success the caller must finish with Complete or Abandon.
func (r *Resolver) Resolve(ctx context.Context, s *session.Session, req session.BindRequest) (out *Outcome, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.Bound() {
		return nil, session.ErrAlreadyBound
	}
	if !s.IsActive() {
		return nil, ErrSessionGone
	}
	if err := r.pending.Add(s.ID(), pendingLogin{userID: req.UserID, deviceID: req.DeviceID}, cache.DefaultExpiration); err != nil {
		return nil, ErrLoginPending
	}
	defer func() {
		if err != nil {
			r.pending.Delete(s.ID())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current, err := r.store.FindSessions(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}

	if r.policy.Collision == policy.RejectNew && policy.Collides(policy.Select(current, req.DeviceID, req.DeviceType, r.policy), req.DeviceID) {
		return nil, ErrLoginRejected
	}

	evicted, err := r.store.Register(ctx, store.RegisterRequest{
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		NodeID:     r.nodeID,
		SessionID:  s.ID(),
		At:         r.now(),
	}, r.policy)
	if errors.Is(err, store.ErrRegisterRejected) {
		return nil, ErrLoginRejected
	}
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	out = &Outcome{Request: req, Evicted: evicted}
	for _, b := range evicted {
		if b.NodeID == r.nodeID {
			out.Local = append(out.Local, b)
		}
	}

	r.KickRemote(ctx, req.UserID, evicted)
	return out, nil
}

// Complete runs on the pipeline consumer after a successful Resolve. It
// evicts the local sessions that lost their binding, then binds s and indexes
// it, unless s disconnected or was itself evicted in the meantime.
//
// Returns:
//   - The local sessions that were replaced
//   - ErrSessionGone if s can no longer be bound; the caller must Abandon
func (r *Resolver) Complete(s *session.Session, out *Outcome) ([]*session.Session, error) {
	defer r.pending.Delete(s.ID())

	replaced := r.EvictLocal(out.Request.UserID, out.Local)

	if !s.IsActive() || s.Evicted() {
		return replaced, ErrSessionGone
	}
	if _, ok := r.sessions.Get(s.ID()); !ok {
		return replaced, ErrSessionGone
	}
	if err := s.Bind(out.Request); err != nil {
		return replaced, err
	}

	r.sessions.Bind(s)

	// A disconnect racing with Bind may have dropped s from the registry
	// while it still looked unbound.
	if _, ok := r.sessions.Get(s.ID()); !ok {
		return replaced, ErrSessionGone
	}

	return replaced, nil
}

// Abandon undoes the distributed binding of a login whose session went away
// before Complete. Only the binding owned by s is removed.
func (r *Resolver) Abandon(ctx context.Context, s *session.Session, out *Outcome) error {
	r.pending.Delete(s.ID())

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.store.UnregisterSession(ctx, out.Request.UserID, out.Request.DeviceID, s.ID()); err != nil {
		return fmt.Errorf("abandon login: %w", err)
	}

	return nil
}

// Pending reports whether s has a login in flight.
func (r *Resolver) Pending(s *session.Session) bool {
	_, ok := r.pending.Get(s.ID())
	return ok
}

// Reject sends the login-failure notice to s and closes it. The notice is
// best-effort; the session is closed regardless.
func (r *Resolver) Reject(s *session.Session, reason error) {
	if r.notices != nil {
		if err := s.Send(r.notices.LoginFailed(reason.Error())); err != nil {
			r.logger.Debug("login failure notice not delivered",
				logger.Field{Key: "session", Value: s.ID()},
				logger.Field{Key: "error", Value: err},
			)
		}
	}

	if _, ok := r.sessions.RemoveByID(s.ID()); !ok {
		_ = s.Close()
	}
}

// KickRemote sends one KICK_OUT per remote node owning any of bindings.
// Sends run in parallel and failures are logged only.
func (r *Resolver) KickRemote(ctx context.Context, userID string, bindings []policy.Binding) {
	if r.transport == nil {
		return
	}

	byNode := make(map[string][]string)
	for _, b := range bindings {
		if b.NodeID != r.nodeID {
			byNode[b.NodeID] = append(byNode[b.NodeID], b.DeviceID)
		}
	}

	var g errgroup.Group
	for nodeID, devices := range byNode {
		g.Go(func() error {
			err := r.transport.SendToNode(ctx, nodeID, &cluster.Envelope{
				Type:            cluster.KickOut,
				TargetUserID:    userID,
				TargetDeviceIDs: devices,
				FromNodeID:      r.nodeID,
			})
			if err != nil {
				r.logger.Warn("kick-out not delivered",
					logger.Field{Key: "user", Value: userID},
					logger.Field{Key: "target_node", Value: nodeID},
					logger.Field{Key: "error", Value: err},
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// EvictLocal evicts the local sessions holding bindings. Sessions already
// gone are skipped.
//
// Returns:
//   - The sessions evicted by this call
func (r *Resolver) EvictLocal(userID string, bindings []policy.Binding) []*session.Session {
	var out []*session.Session
	for _, b := range bindings {
		// An exact session id match may still be a login in flight that
		// has not bound locally yet; it loses all the same.
		target, ok := r.sessions.Get(b.SessionID)
		if !ok {
			target, ok = r.sessions.FindByDeviceID(userID, b.DeviceID)
		}
		if !ok {
			continue
		}

		if r.Evict(target, userID, b.DeviceID) {
			out = append(out, target)
		}
	}

	return out
}

// HandleKick evicts the local sessions named by a KICK_OUT envelope.
func (r *Resolver) HandleKick(env *cluster.Envelope) []*session.Session {
	var out []*session.Session
	for _, deviceID := range env.TargetDeviceIDs {
		target, ok := r.sessions.FindByDeviceID(env.TargetUserID, deviceID)
		if !ok {
			target, ok = r.pendingFor(env.TargetUserID, deviceID)
		}
		if !ok {
			continue
		}

		if r.Evict(target, env.TargetUserID, deviceID) {
			out = append(out, target)
		}
	}

	return out
}

// pendingFor finds a local login in flight for the device. A KICK_OUT can
// overtake the Complete of the login it targets.
func (r *Resolver) pendingFor(userID, deviceID string) (*session.Session, bool) {
	for id, item := range r.pending.Items() {
		p, ok := item.Object.(pendingLogin)
		if !ok || p.userID != userID || p.deviceID != deviceID {
			continue
		}

		if s, ok := r.sessions.Get(id); ok {
			return s, true
		}
	}

	return nil, false
}

// Evict marks target as evicted, sends it the eviction notice and closes it.
// userID and deviceID name the binding that lost; a login still in flight
// has no identity of its own yet. The notice is best-effort.
//
// Returns:
//   - false if target was already evicted
func (r *Resolver) Evict(target *session.Session, userID, deviceID string) bool {
	if !target.MarkEvicted() {
		return false
	}

	if r.notices != nil {
		if err := target.Send(r.notices.Evicted(userID, deviceID)); err != nil {
			r.logger.Debug("eviction notice not delivered",
				logger.Field{Key: "session", Value: target.ID()},
				logger.Field{Key: "error", Value: err},
			)
		}
	}

	if _, ok := r.sessions.RemoveByID(target.ID()); !ok {
		_ = target.Close()
	}

	r.logger.Info("session evicted",
		logger.Field{Key: "session", Value: target.ID()},
		logger.Field{Key: "user", Value: userID},
		logger.Field{Key: "device", Value: deviceID},
	)
	return true
}
