package engine

import (
	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/pipeline"
)

// dispatch is the pipeline handler; it only ever runs on the consumer.
func (e *Engine) dispatch(en *pipeline.Entry) {
	switch en.Kind {
	case pipeline.KindConnect:
		e.fireConnect(en.Session)
	case pipeline.KindDisconnect:
		e.fireDisconnect(en.Session)
	case pipeline.KindMessage:
		e.handleMessage(en.Session, en.Data)
	case pipeline.KindIdle:
		e.fireIdle(en.Session)
	case pipeline.KindError:
		e.fireError(en.Session, en.Err)
	case pipeline.KindCluster:
		e.handleEnvelope(en.Envelope)
	case pipeline.KindTask:
		en.Task()
	default:
		e.logger.Warn("unexpected pipeline entry", logger.Field{Key: "kind", Value: en.Kind.String()})
	}
}

func (e *Engine) handleEnvelope(env *cluster.Envelope) {
	if env.Type == cluster.KickOut {
		e.fireReplaced(e.resolver.HandleKick(env))
		return
	}

	e.router.Deliver(env)
}
