// Package cluster defines the envelope exchanged between nodes, its wire
// codec, the Transport contract implemented by the pub/sub backends, and an
// in-process hub used to run several nodes inside one process.
package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope wraps every decoding or validation failure.
var ErrMalformedEnvelope = errors.New("malformed cluster envelope")

// MessageType names the routing instruction an envelope carries.
type MessageType string

const (
	SendToUser       MessageType = "SEND_TO_USER"
	SendToUsersBatch MessageType = "SEND_TO_USERS_BATCH"
	SendToGroup      MessageType = "SEND_TO_GROUP"
	Broadcast        MessageType = "BROADCAST"
	KickOut          MessageType = "KICK_OUT"

	// GroupJoin and GroupLeave tell every node that a membership changed in
	// the store, so nodes holding the user refresh their fan-out lists.
	GroupJoin  MessageType = "GROUP_JOIN"
	GroupLeave MessageType = "GROUP_LEAVE"
)

// Envelope wraps a routing instruction and the opaque application payload.
// Payload holds bytes already produced by the application codec; nothing in
// this package inspects it.
type Envelope struct {
	Type            MessageType `json:"messageType"`
	TargetUserID    string      `json:"targetUserId,omitempty"`
	TargetUserIDs   []string    `json:"targetUserIds,omitempty"`
	TargetGroupID   string      `json:"targetGroupId,omitempty"`
	ExcludeUserIDs  []string    `json:"excludeUserIds,omitempty"`
	TargetDeviceIDs []string    `json:"targetDeviceIds,omitempty"`
	FromNodeID      string      `json:"fromNodeId"`
	CommandID       int32       `json:"commandId"`
	Payload         []byte      `json:"payload,omitempty"`
}

// Validate checks that the targeting fields required by Type are present.
func (e *Envelope) Validate() error {
	if e.FromNodeID == "" {
		return fmt.Errorf("%w: missing fromNodeId", ErrMalformedEnvelope)
	}

	switch e.Type {
	case SendToUser:
		if e.TargetUserID == "" {
			return fmt.Errorf("%w: %s without targetUserId", ErrMalformedEnvelope, e.Type)
		}
	case SendToUsersBatch:
		if len(e.TargetUserIDs) == 0 {
			return fmt.Errorf("%w: %s without targetUserIds", ErrMalformedEnvelope, e.Type)
		}
	case SendToGroup:
		if e.TargetGroupID == "" {
			return fmt.Errorf("%w: %s without targetGroupId", ErrMalformedEnvelope, e.Type)
		}
	case Broadcast:
	case GroupJoin, GroupLeave:
		if e.TargetGroupID == "" || e.TargetUserID == "" {
			return fmt.Errorf("%w: %s without target group and user", ErrMalformedEnvelope, e.Type)
		}
	case KickOut:
		if e.TargetUserID == "" || len(e.TargetDeviceIDs) == 0 {
			return fmt.Errorf("%w: %s without target user and devices", ErrMalformedEnvelope, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown messageType %q", ErrMalformedEnvelope, e.Type)
	}

	return nil
}

// Encode serializes env after validating it.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses and validates an envelope. Every failure wraps
// ErrMalformedEnvelope so receivers can drop it uniformly.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}
