package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/pipeline"
	"github.com/cyberinferno/go-sessionhub/session"
)

// The methods in this file are called by the transport from its own I/O
// goroutines. None of them blocks on the pipeline consumer.

// Admit reports whether a new connection may be accepted right now.
//
// Returns:
//   - ErrNotRunning, ErrDegraded or ErrOverloaded when it may not
func (e *Engine) Admit() error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	if e.degraded.Load() || e.pipe.Err() != nil {
		return ErrDegraded
	}
	if e.pipe.RemainingCapacity() < e.cfg.MinRemainingCapacity {
		return ErrOverloaded
	}
	if e.cfg.MaxConnections > 0 && e.sessions.TotalConnectionCount() >= e.cfg.MaxConnections {
		return ErrOverloaded
	}

	return nil
}

// Connect admits conn and creates its session. The admission check runs
// before any session object exists.
//
// Returns:
//   - The new session, or the admission error; the caller closes conn on error
func (e *Engine) Connect(conn session.Conn) (*session.Session, error) {
	if err := e.Admit(); err != nil {
		return nil, err
	}

	s := session.New(e.ids.Id(), conn, e.now())
	e.sessions.Add(s)

	if err := e.pipe.Publish(func(en *pipeline.Entry) { en.SetConnect(s) }); err != nil {
		e.sessions.RemoveLocalOnly(s.ID())
		return nil, err
	}

	return s, nil
}

// Message queues an inbound frame of s. A full pipeline drops the frame.
func (e *Engine) Message(s *session.Session, data []byte) {
	now := e.now()
	s.Touch(now)
	e.touchStore(s, now)
	e.publish(s, func(en *pipeline.Entry) { en.SetMessage(s, data) })
}

// Idle queues an idle notification for s.
func (e *Engine) Idle(s *session.Session) {
	e.publish(s, func(en *pipeline.Entry) { en.SetIdle(s) })
}

// Error queues a transport error of s.
func (e *Engine) Error(s *session.Session, err error) {
	e.publish(s, func(en *pipeline.Entry) { en.SetError(s, err) })
}

// Disconnect must be called exactly once, when the connection of s is gone.
// The local indices are updated before returning so a concurrent login
// elsewhere cannot find s still bound here; the distributed unregister
// follows in the background. Sessions the engine already removed (evicted,
// kicked or rejected) only get their disconnect listeners run.
func (e *Engine) Disconnect(s *session.Session) {
	e.sessions.RemoveLocalOnly(s.ID())
	e.touched.Delete(s.ID())
	e.authenticating.Remove(s.ID())

	userID, deviceID, _, _ := s.Identity()
	wasBound := s.Unbind()
	if userID != "" && !e.sessions.HasUser(userID) {
		e.groups.RemoveUser(userID)
	}

	if wasBound && !s.Evicted() {
		sessionID := s.ID()
		e.background(func(ctx context.Context) {
			if _, err := e.store.UnregisterSession(ctx, userID, deviceID, sessionID); err != nil {
				e.logger.Warn("distributed unregister failed",
					logger.Field{Key: "session", Value: sessionID},
					logger.Field{Key: "user", Value: userID},
					logger.Field{Key: "error", Value: err},
				)
			}
		})
	}

	e.publish(s, func(en *pipeline.Entry) { en.SetDisconnect(s) })
}

// onEnvelope feeds envelopes from the cluster transport into the pipeline.
func (e *Engine) onEnvelope(env *cluster.Envelope) {
	if err := e.pipe.Publish(func(en *pipeline.Entry) { en.SetCluster(env) }); err != nil {
		e.logger.Warn("dropping cluster envelope",
			logger.Field{Key: "type", Value: string(env.Type)},
			logger.Field{Key: "from", Value: env.FromNodeID},
			logger.Field{Key: "error", Value: err},
		)
	}
}

func (e *Engine) publish(s *session.Session, prepare func(en *pipeline.Entry)) {
	err := e.pipe.Publish(prepare)
	if err == nil {
		return
	}

	level := e.logger.Warn
	if errors.Is(err, pipeline.ErrStopped) {
		level = e.logger.Debug
	}
	level("dropping session event",
		logger.Field{Key: "session", Value: s.ID()},
		logger.Field{Key: "error", Value: err},
	)
}

// touchStore forwards activity of a bound session to the store at most once
// per TouchInterval.
func (e *Engine) touchStore(s *session.Session, now time.Time) {
	if e.cfg.TouchInterval <= 0 {
		return
	}

	userID, deviceID, _, bound := s.Identity()
	if !bound {
		return
	}
	if last, ok := e.touched.Load(s.ID()); ok && now.Sub(last) < e.cfg.TouchInterval {
		return
	}
	e.touched.Store(s.ID(), now)

	e.background(func(ctx context.Context) {
		if err := e.store.Touch(ctx, userID, deviceID, now); err != nil {
			e.logger.Debug("touch failed", logger.Field{Key: "user", Value: userID}, logger.Field{Key: "error", Value: err})
		}
	})
}
