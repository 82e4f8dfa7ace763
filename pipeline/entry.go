package pipeline

import (
	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/session"
)

// Kind identifies what an Entry carries.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindConnect
	KindDisconnect
	KindMessage
	KindIdle
	KindError
	KindCluster
	// KindTask carries a continuation of an asynchronous engine workflow,
	// run on the consumer like any other event.
	KindTask
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindMessage:
		return "message"
	case KindIdle:
		return "idle"
	case KindError:
		return "error"
	case KindCluster:
		return "cluster"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// Entry is a reusable queue slot. Exactly one payload group is set for a
// given Kind; the slot is reset after the consumer is done with it.
type Entry struct {
	Kind     Kind
	Session  *session.Session
	Data     []byte
	Err      error
	Envelope *cluster.Envelope
	Task     func()
}

// SetConnect fills the entry with a connect event.
func (e *Entry) SetConnect(s *session.Session) {
	e.Kind = KindConnect
	e.Session = s
}

// SetDisconnect fills the entry with a disconnect event.
func (e *Entry) SetDisconnect(s *session.Session) {
	e.Kind = KindDisconnect
	e.Session = s
}

// SetMessage fills the entry with an inbound message.
func (e *Entry) SetMessage(s *session.Session, data []byte) {
	e.Kind = KindMessage
	e.Session = s
	e.Data = data
}

// SetIdle fills the entry with an idle notification.
func (e *Entry) SetIdle(s *session.Session) {
	e.Kind = KindIdle
	e.Session = s
}

// SetError fills the entry with a transport error.
func (e *Entry) SetError(s *session.Session, err error) {
	e.Kind = KindError
	e.Session = s
	e.Err = err
}

// SetCluster fills the entry with an envelope received from another node.
func (e *Entry) SetCluster(env *cluster.Envelope) {
	e.Kind = KindCluster
	e.Envelope = env
}

// SetTask fills the entry with a continuation.
func (e *Entry) SetTask(fn func()) {
	e.Kind = KindTask
	e.Task = fn
}

// reset clears every field so the slot holds no references.
func (e *Entry) reset() {
	*e = Entry{}
}
