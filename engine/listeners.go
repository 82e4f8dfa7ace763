package engine

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
)

// ConnectListener runs after a session is admitted.
type ConnectListener func(s *session.Session)

// DisconnectListener runs after a session's connection is gone.
type DisconnectListener func(s *session.Session)

// MessageListener receives inbound frames of a session.
type MessageListener func(s *session.Session, data []byte)

// ErrorListener receives transport errors of a session.
type ErrorListener func(s *session.Session, err error)

// IdleListener runs when a session has been silent for the idle timeout.
type IdleListener func(s *session.Session)

// SessionReplacedListener runs for every local session evicted by a login
// collision or a kick-out from another node.
type SessionReplacedListener func(replaced *session.Session)

// BindListener runs once a session is bound, or with the error that
// prevented it.
type BindListener func(s *session.Session, err error)

type listeners struct {
	mu         sync.RWMutex
	connect    []ConnectListener
	disconnect []DisconnectListener
	message    []MessageListener
	errors     []ErrorListener
	idle       []IdleListener
	replaced   []SessionReplacedListener
	bind       []BindListener
}

// OnConnect registers l. Listeners run in registration order on the consumer.
func (e *Engine) OnConnect(l ConnectListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.connect = append(e.listeners.connect, l)
}

// OnDisconnect registers l.
func (e *Engine) OnDisconnect(l DisconnectListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.disconnect = append(e.listeners.disconnect, l)
}

// OnMessage registers l.
func (e *Engine) OnMessage(l MessageListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.message = append(e.listeners.message, l)
}

// OnError registers l.
func (e *Engine) OnError(l ErrorListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.errors = append(e.listeners.errors, l)
}

// OnIdle registers l.
func (e *Engine) OnIdle(l IdleListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.idle = append(e.listeners.idle, l)
}

// OnSessionReplaced registers l.
func (e *Engine) OnSessionReplaced(l SessionReplacedListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.replaced = append(e.listeners.replaced, l)
}

// OnBind registers l.
func (e *Engine) OnBind(l BindListener) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.bind = append(e.listeners.bind, l)
}

func (e *Engine) fireConnect(s *session.Session) {
	e.listeners.mu.RLock()
	ls := e.listeners.connect
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("connect", s, func() { l(s) })
	}
}

func (e *Engine) fireDisconnect(s *session.Session) {
	e.listeners.mu.RLock()
	ls := e.listeners.disconnect
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("disconnect", s, func() { l(s) })
	}
}

func (e *Engine) fireMessage(s *session.Session, data []byte) {
	e.listeners.mu.RLock()
	ls := e.listeners.message
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("message", s, func() { l(s, data) })
	}
}

func (e *Engine) fireError(s *session.Session, err error) {
	e.listeners.mu.RLock()
	ls := e.listeners.errors
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("error", s, func() { l(s, err) })
	}
}

func (e *Engine) fireIdle(s *session.Session) {
	e.listeners.mu.RLock()
	ls := e.listeners.idle
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("idle", s, func() { l(s) })
	}
}

func (e *Engine) fireReplaced(replaced []*session.Session) {
	e.listeners.mu.RLock()
	ls := e.listeners.replaced
	e.listeners.mu.RUnlock()
	for _, s := range replaced {
		for _, l := range ls {
			e.isolate("session_replaced", s, func() { l(s) })
		}
	}
}

func (e *Engine) fireBind(s *session.Session, err error) {
	e.listeners.mu.RLock()
	ls := e.listeners.bind
	e.listeners.mu.RUnlock()
	for _, l := range ls {
		e.isolate("bind", s, func() { l(s, err) })
	}
}

// isolate runs one listener, logging instead of propagating a panic so the
// remaining listeners still run.
func (e *Engine) isolate(kind string, s *session.Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fields := []logger.Field{
				{Key: "listener", Value: kind},
				{Key: "panic", Value: fmt.Sprint(r)},
				{Key: "stack", Value: string(debug.Stack())},
			}
			if s != nil {
				fields = append(fields, logger.Field{Key: "session", Value: s.ID()})
			}
			e.logger.Error("listener panicked", fields...)
		}
	}()

	fn()
}
