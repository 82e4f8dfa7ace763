package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/login"
	"github.com/cyberinferno/go-sessionhub/routing"
	"github.com/cyberinferno/go-sessionhub/session"
)

// BindUser binds req to s asynchronously. The store round trips run in the
// background; the local part and the bind listeners run on the consumer.
// Validation failures and a second concurrent bind are reported to the bind
// listeners without closing s. Every other failure sends the login-failure
// notice and closes s.
func (e *Engine) BindUser(s *session.Session, req session.BindRequest) {
	e.background(func(ctx context.Context) {
		out, err := e.resolver.Resolve(ctx, s, req)
		if err != nil {
			e.finishBind(s, err)
			return
		}

		if serr := e.schedule(func() { e.completeBind(s, out) }); serr != nil {
			e.abandon(s, out)
			e.resolver.Reject(s, serr)
		}
	})
}

func (e *Engine) completeBind(s *session.Session, out *login.Outcome) {
	replaced, err := e.resolver.Complete(s, out)
	e.fireReplaced(replaced)

	if errors.Is(err, login.ErrSessionGone) {
		e.background(func(context.Context) { e.abandon(s, out) })
	}
	if err == nil {
		e.touched.Store(s.ID(), e.now())
		e.hydrateGroups(s)
		e.logger.Debug("session bound",
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "user", Value: out.Request.UserID},
			logger.Field{Key: "device", Value: out.Request.DeviceID},
		)
	}

	e.authenticating.Remove(s.ID())
	e.reportBind(s, err)
}

// finishBind reports a failed Resolve from a background goroutine.
func (e *Engine) finishBind(s *session.Session, err error) {
	if serr := e.schedule(func() {
		e.authenticating.Remove(s.ID())
		e.reportBind(s, err)
	}); serr != nil {
		e.authenticating.Remove(s.ID())
		if closesSession(err) {
			e.resolver.Reject(s, err)
		}
	}
}

// reportBind runs on the consumer.
func (e *Engine) reportBind(s *session.Session, err error) {
	if err != nil {
		e.logger.Info("login failed",
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "error", Value: err},
		)
		if closesSession(err) {
			e.resolver.Reject(s, err)
		}
	}

	e.fireBind(s, err)
}

func closesSession(err error) bool {
	return !errors.Is(err, session.ErrInvalidBindRequest) &&
		!errors.Is(err, session.ErrAlreadyBound) &&
		!errors.Is(err, login.ErrLoginPending)
}

func (e *Engine) abandon(s *session.Session, out *login.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()

	if err := e.resolver.Abandon(ctx, s, out); err != nil {
		e.logger.Warn("abandoned login left a binding behind",
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "error", Value: err},
		)
	}
}

// hydrateGroups loads the user's groups into the local fan-out lists after
// a bind.
func (e *Engine) hydrateGroups(s *session.Session) {
	userID := s.UserID()
	e.background(func(ctx context.Context) {
		groups, err := e.store.GroupsForUser(ctx, userID)
		if err != nil {
			e.logger.Warn("loading groups failed", logger.Field{Key: "user", Value: userID}, logger.Field{Key: "error", Value: err})
			return
		}

		if !e.sessions.HasUser(userID) {
			return
		}
		for _, groupID := range groups {
			e.groups.Add(groupID, userID)
		}
	})
}

// SendToUser delivers msg to every session of userID in the cluster.
//
// Returns:
//   - true if the user had a session on this node
func (e *Engine) SendToUser(ctx context.Context, userID string, msg routing.Message) bool {
	return e.router.SendToUser(ctx, userID, msg)
}

// SendToUsers delivers msg to every listed user.
//
// Returns:
//   - The users not found on this node
func (e *Engine) SendToUsers(ctx context.Context, userIDs []string, msg routing.Message) []string {
	return e.router.SendToUsers(ctx, userIDs, msg)
}

// SendToGroup delivers msg to the members of groupID except exclude.
func (e *Engine) SendToGroup(ctx context.Context, groupID string, msg routing.Message, exclude ...string) int {
	return e.router.SendToGroup(ctx, groupID, msg, exclude...)
}

// Broadcast delivers msg to every bound session in the cluster.
func (e *Engine) Broadcast(ctx context.Context, msg routing.Message) int {
	return e.router.Broadcast(ctx, msg)
}

// JoinGroup records the membership in the store, then updates the fan-out
// list of whichever node holds the user. It blocks on the store.
func (e *Engine) JoinGroup(ctx context.Context, groupID, userID string) error {
	if err := e.store.Join(ctx, groupID, userID); err != nil {
		return fmt.Errorf("join group %s: %w", groupID, err)
	}

	e.router.JoinGroup(ctx, groupID, userID)
	return nil
}

// LeaveGroup removes the membership from the store and from every node's
// fan-out list.
func (e *Engine) LeaveGroup(ctx context.Context, groupID, userID string) error {
	if err := e.store.Leave(ctx, groupID, userID); err != nil {
		return fmt.Errorf("leave group %s: %w", groupID, err)
	}

	e.router.LeaveGroup(ctx, groupID, userID)
	return nil
}

// KickUser drops every binding of userID in the cluster. Local sessions get
// notice (if non-nil) and are closed; remote nodes receive KICK_OUT. It
// blocks on the store.
//
// Returns:
//   - The local sessions that were closed
func (e *Engine) KickUser(ctx context.Context, userID string, notice []byte) ([]*session.Session, error) {
	removed, err := e.store.UnregisterAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("kick %s: %w", userID, err)
	}

	e.resolver.KickRemote(ctx, userID, removed)

	var kicked []*session.Session
	for _, s := range e.sessions.FindByUserID(userID) {
		if !s.MarkEvicted() {
			continue
		}
		if notice != nil {
			_ = s.Send(notice)
		}
		if _, ok := e.sessions.RemoveByID(s.ID()); ok {
			kicked = append(kicked, s)
		}
	}
	if len(kicked) > 0 {
		e.groups.RemoveUser(userID)
	}

	return kicked, nil
}

// IsOnline reports whether userID has a binding anywhere in the cluster.
func (e *Engine) IsOnline(ctx context.Context, userID string) (bool, error) {
	return e.store.IsOnline(ctx, userID)
}
