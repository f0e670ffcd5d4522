// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned when decoding an envelope of an unknown type.
var ErrUnknownType = errors.New("unknown envelope type")

// Type identifies an envelope on the wire.
type Type string

// Envelope types.
const (
	TypeAgentMessage       Type = "agent_message"
	TypeHeartbeat          Type = "heartbeat"
	TypeHeartbeatAck       Type = "heartbeat_ack"
	TypeJoinRoom           Type = "join_room"
	TypeRoomJoined         Type = "room_joined"
	TypeLeaveRoom          Type = "leave_room"
	TypeRoomLeft           Type = "room_left"
	TypeSubscribe          Type = "subscribe"
	TypeSubscribed         Type = "subscribed"
	TypeUnsubscribe        Type = "unsubscribe"
	TypeUnsubscribed       Type = "unsubscribed"
	TypeSystemNotification Type = "system_notification"
	TypePerformanceMetrics Type = "performance_metrics"
	TypeAgentPresence      Type = "agent_presence"
	TypeResponse           Type = "response"
	TypeError              Type = "error"
)

// Known reports whether t is a recognized envelope type.
func (t Type) Known() bool {
	switch t {
	case TypeAgentMessage, TypeHeartbeat, TypeHeartbeatAck,
		TypeJoinRoom, TypeRoomJoined, TypeLeaveRoom, TypeRoomLeft,
		TypeSubscribe, TypeSubscribed, TypeUnsubscribe, TypeUnsubscribed,
		TypeSystemNotification, TypePerformanceMetrics, TypeAgentPresence,
		TypeResponse, TypeError:
		return true
	default:
		return false
	}
}

// Envelope is the transport-agnostic frame: a type tag plus the payload
// fields that type uses.
type Envelope struct {
	Type          Type            `json:"type"`
	ID            string          `json:"id,omitempty"`
	Message       *Message        `json:"message,omitempty"`
	Room          string          `json:"room,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	ConnectionID  string          `json:"connectionId,omitempty"`
	Members       []string        `json:"members,omitempty"`
	Token         string          `json:"token,omitempty"`
	Status        string          `json:"status,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newEnvelope(t Type) *Envelope {
	return &Envelope{Type: t, Timestamp: time.Now().UTC()}
}

// AgentMessage wraps msg for transmission. Messages with kind response
// travel as response envelopes. The envelope room is taken from msg.
func AgentMessage(msg Message) *Envelope {
	t := TypeAgentMessage
	if msg.Kind == KindResponse && msg.ResponseToID != "" {
		t = TypeResponse
	}
	env := newEnvelope(t)
	m := msg.Clone()
	env.Message = &m
	env.Room = msg.Room
	return env
}

// Heartbeat returns a liveness ping carrying id.
func Heartbeat(id string) *Envelope {
	env := newEnvelope(TypeHeartbeat)
	env.ID = id
	return env
}

// HeartbeatAck acknowledges the heartbeat with the given id.
func HeartbeatAck(id string) *Envelope {
	env := newEnvelope(TypeHeartbeatAck)
	env.ID = id
	return env
}

// RoomRequest builds a join_room or leave_room request.
func RoomRequest(t Type, room string) *Envelope {
	env := newEnvelope(t)
	env.Room = room
	return env
}

// Invite asks the endpoint to join every connection of members to a
// private room, including connections made later.
func Invite(room string, members ...string) *Envelope {
	env := RoomRequest(TypeJoinRoom, room)
	env.Members = append([]string(nil), members...)
	return env
}

// Subscribe is the handshake request of a connecting participant.
func Subscribe(participantID, token string) *Envelope {
	env := newEnvelope(TypeSubscribe)
	env.ParticipantID = participantID
	env.Token = token
	return env
}

// Subscribed completes the handshake.
func Subscribed(participantID, connID string) *Envelope {
	env := newEnvelope(TypeSubscribed)
	env.ParticipantID = participantID
	env.ConnectionID = connID
	return env
}

// Unsubscribed confirms an unsubscribe before the connection is closed.
func Unsubscribed(participantID, connID string) *Envelope {
	env := newEnvelope(TypeUnsubscribed)
	env.ParticipantID = participantID
	env.ConnectionID = connID
	return env
}

// Presence announces a participant status.
func Presence(participantID, status string) *Envelope {
	env := newEnvelope(TypeAgentPresence)
	env.ParticipantID = participantID
	env.Status = status
	return env
}

// Notification builds a system_notification with a JSON data payload.
func Notification(status string, data any) (*Envelope, error) {
	env := newEnvelope(TypeSystemNotification)
	env.Status = status
	if data != nil {
		raw, err := EncodeContent(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// Error builds an error envelope. id refers to the offending request, if any.
func Error(id string, err error) *Envelope {
	env := newEnvelope(TypeError)
	env.ID = id
	if err != nil {
		env.Error = err.Error()
	}
	return env
}

// Encode serializes the envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("cannot encode nil envelope")
	}
	return json.Marshal(env)
}

// EncodeTo appends the serialized envelope to buf. The output matches
// Encode.
func EncodeTo(buf *bytes.Buffer, env *Envelope) error {
	if env == nil {
		return errors.New("cannot encode nil envelope")
	}
	if err := json.NewEncoder(buf).Encode(env); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Decode parses an envelope and rejects unknown types.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Message != nil && (env.Type == TypeAgentMessage || env.Type == TypeResponse) {
		if err := env.Message.Validate(); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
	}
	return &env, nil
}
