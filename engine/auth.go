package engine

import (
	"context"
	"errors"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
)

// AuthResult is the authenticator's verdict on a login message.
type AuthResult struct {
	Success      bool
	UserID       string
	DeviceID     string
	DeviceType   string
	Metadata     map[string]string
	ErrorMessage string
}

// Authenticator turns the first message of an unbound session into an
// identity. It may block; the engine never calls it on the consumer.
type Authenticator interface {
	Authenticate(ctx context.Context, s *session.Session, data []byte) (AuthResult, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, s *session.Session, data []byte) (AuthResult, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, s *session.Session, data []byte) (AuthResult, error) {
	return f(ctx, s, data)
}

// handleMessage runs on the consumer. Unbound sessions talk to the
// authenticator first, when one is configured.
func (e *Engine) handleMessage(s *session.Session, data []byte) {
	if e.auth == nil || s.Bound() {
		e.fireMessage(s, data)
		return
	}

	if e.resolver.Pending(s) || !e.authenticating.Add(s.ID()) {
		e.logger.Debug("message dropped while login in progress", logger.Field{Key: "session", Value: s.ID()})
		return
	}

	e.background(func(ctx context.Context) {
		res, err := e.auth.Authenticate(ctx, s, data)
		if err == nil && !res.Success {
			reason := res.ErrorMessage
			if reason == "" {
				reason = "authentication failed"
			}
			err = errors.New(reason)
		}

		if err != nil {
			e.authenticating.Remove(s.ID())
			e.logger.Info("authentication failed",
				logger.Field{Key: "session", Value: s.ID()},
				logger.Field{Key: "error", Value: err},
			)
			if serr := e.schedule(func() {
				e.resolver.Reject(s, err)
				e.fireBind(s, err)
			}); serr != nil {
				e.resolver.Reject(s, err)
			}
			return
		}

		e.BindUser(s, session.BindRequest{
			UserID:     res.UserID,
			DeviceID:   res.DeviceID,
			DeviceType: res.DeviceType,
			Metadata:   res.Metadata,
		})
	})
}
