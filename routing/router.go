// Package routing delivers application messages to users, groups and the
// whole cluster. Local sessions are always tried first; whatever cannot be
// delivered on this node is handed to the cluster transport, if any.
package routing

import (
	"context"

	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/registry"
	"github.com/cyberinferno/go-sessionhub/safeset"
)

// Message is an already-encoded application message. CommandID travels with
// the payload across nodes but is not interpreted here.
type Message struct {
	CommandID int32
	Payload   []byte
}

// Router is the only component that publishes ordinary delivery envelopes.
type Router struct {
	nodeID    string
	sessions  *registry.LocalRegistry
	groups    *registry.GroupRegistry
	transport cluster.Transport
	logger    logger.Logger
}

// New creates a router. transport may be nil for a single-node deployment.
func New(nodeID string, sessions *registry.LocalRegistry, groups *registry.GroupRegistry, transport cluster.Transport, log logger.Logger) *Router {
	return &Router{
		nodeID:    nodeID,
		sessions:  sessions,
		groups:    groups,
		transport: transport,
		logger:    log.With(logger.Field{Key: "component", Value: "router"}),
	}
}

// Clustered reports whether a cluster transport is configured.
func (r *Router) Clustered() bool {
	return r.transport != nil
}

// SendToUser delivers msg to every session of userID. With no local session
// and a cluster transport, exactly one SEND_TO_USER envelope is published.
//
// Returns:
//   - true if the user had at least one session on this node
func (r *Router) SendToUser(ctx context.Context, userID string, msg Message) bool {
	if r.sessions.SendToUserLocally(userID, msg.Payload) {
		return true
	}

	r.publish(ctx, &cluster.Envelope{
		Type:         cluster.SendToUser,
		TargetUserID: userID,
		CommandID:    msg.CommandID,
		Payload:      msg.Payload,
	})
	return false
}

// SendToUsers delivers msg to every listed user. Users without a local
// session are collected into a single SEND_TO_USERS_BATCH envelope.
//
// Returns:
//   - The users that were not found locally
func (r *Router) SendToUsers(ctx context.Context, userIDs []string, msg Message) []string {
	seen := safeset.NewSafeSet[string]()
	var missing []string
	for _, userID := range userIDs {
		if !seen.Add(userID) {
			continue
		}
		if !r.sessions.SendToUserLocally(userID, msg.Payload) {
			missing = append(missing, userID)
		}
	}

	if len(missing) > 0 {
		r.publish(ctx, &cluster.Envelope{
			Type:          cluster.SendToUsersBatch,
			TargetUserIDs: missing,
			CommandID:     msg.CommandID,
			Payload:       msg.Payload,
		})
	}

	return missing
}

// SendToGroup delivers msg to the local members of groupID except exclude,
// then asks the other nodes to do the same for theirs.
//
// Returns:
//   - The number of local users reached
func (r *Router) SendToGroup(ctx context.Context, groupID string, msg Message, exclude ...string) int {
	delivered := r.groups.SendToGroupLocally(groupID, msg.Payload, safeset.NewSafeSet(exclude...))

	r.publish(ctx, &cluster.Envelope{
		Type:           cluster.SendToGroup,
		TargetGroupID:  groupID,
		ExcludeUserIDs: exclude,
		CommandID:      msg.CommandID,
		Payload:        msg.Payload,
	})
	return delivered
}

// Broadcast delivers msg to every bound session in the cluster.
//
// Returns:
//   - The number of local sessions reached
func (r *Router) Broadcast(ctx context.Context, msg Message) int {
	delivered := r.sessions.BroadcastLocally(msg.Payload)

	r.publish(ctx, &cluster.Envelope{
		Type:      cluster.Broadcast,
		CommandID: msg.CommandID,
		Payload:   msg.Payload,
	})
	return delivered
}

// JoinGroup puts userID on the local fan-out list of groupID if the user is
// connected here, then tells the other nodes so the node that holds the user
// does the same. The store must already record the membership.
func (r *Router) JoinGroup(ctx context.Context, groupID, userID string) {
	r.joinLocally(groupID, userID)
	r.publish(ctx, &cluster.Envelope{
		Type:          cluster.GroupJoin,
		TargetGroupID: groupID,
		TargetUserID:  userID,
	})
}

// LeaveGroup takes userID off the local fan-out list of groupID and tells the
// other nodes to do the same.
func (r *Router) LeaveGroup(ctx context.Context, groupID, userID string) {
	r.groups.Remove(groupID, userID)
	r.publish(ctx, &cluster.Envelope{
		Type:          cluster.GroupLeave,
		TargetGroupID: groupID,
		TargetUserID:  userID,
	})
}

func (r *Router) joinLocally(groupID, userID string) {
	if r.sessions.HasUser(userID) {
		r.groups.Add(groupID, userID)
	}
}

// Deliver performs the local part of a routing envelope received from
// another node. Envelopes this node published itself and KICK_OUT envelopes
// are ignored.
//
// Returns:
//   - true if env was a routing envelope from another node
func (r *Router) Deliver(env *cluster.Envelope) bool {
	if env.FromNodeID == r.nodeID {
		return false
	}

	switch env.Type {
	case cluster.SendToUser:
		r.sessions.SendToUserLocally(env.TargetUserID, env.Payload)
	case cluster.SendToUsersBatch:
		for _, userID := range env.TargetUserIDs {
			r.sessions.SendToUserLocally(userID, env.Payload)
		}
	case cluster.SendToGroup:
		r.groups.SendToGroupLocally(env.TargetGroupID, env.Payload, safeset.NewSafeSet(env.ExcludeUserIDs...))
	case cluster.Broadcast:
		r.sessions.BroadcastLocally(env.Payload)
	case cluster.GroupJoin:
		r.joinLocally(env.TargetGroupID, env.TargetUserID)
	case cluster.GroupLeave:
		r.groups.Remove(env.TargetGroupID, env.TargetUserID)
	default:
		return false
	}

	return true
}

// publish is best-effort: a broker failure is logged and local delivery
// already done stands.
func (r *Router) publish(ctx context.Context, env *cluster.Envelope) {
	if r.transport == nil {
		return
	}

	env.FromNodeID = r.nodeID
	if err := r.transport.Publish(ctx, env); err != nil {
		r.logger.Warn("cluster delivery failed",
			logger.Field{Key: "type", Value: string(env.Type)},
			logger.Field{Key: "error", Value: err},
		)
	}
}
