// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/rooms"
)

// SendToRoom delivers msg to every connection in room and returns the number
// of deliveries. An empty or unknown room yields zero.
func (e *Endpoint) SendToRoom(room string, msg message.Message) int {
	return e.fanOut(e.rooms.Members(room), message.AgentMessage(msg), "", msg.Priority)
}

// Broadcast delivers msg to every connection.
func (e *Endpoint) Broadcast(msg message.Message) int {
	return e.fanOut(e.Connections(), message.AgentMessage(msg), "", msg.Priority)
}

// Route applies the priority routing policy to msg and returns the number
// of deliveries. originID, if set, is excluded from its own fan-out.
//
//   - critical: the target room plus a mirror onto the system room;
//     every connection when there is no target.
//   - high: the target room; every connection when there is no target.
//   - normal, low: the target room or the broadcast room. Never mirrored.
//
// The target room is room when given, else msg.Room, else the dedicated
// room of ToID.
func (e *Endpoint) Route(msg message.Message, room, originID string) int {
	return e.fanOut(e.targets(msg, room), message.AgentMessage(msg), originID, msg.Priority)
}

func (e *Endpoint) targets(msg message.Message, room string) []string {
	target := room
	if target == "" {
		target = msg.Room
	}
	if target == "" && !msg.IsBroadcast() {
		target = rooms.Dedicated(msg.ToID)
	}

	if target == "" {
		if msg.Priority.Urgent() {
			return e.Connections()
		}
		return e.rooms.Members(rooms.Broadcast)
	}

	members := e.rooms.Members(target)
	if msg.Priority == message.PriorityCritical && target != rooms.System {
		members = append(members, e.rooms.Members(rooms.System)...)
	}
	return members
}

func (e *Endpoint) fanOut(ids []string, env *message.Envelope, originID string, p message.Priority) int {
	seen := make(map[string]struct{}, len(ids))
	n := 0
	for _, id := range ids {
		if id == originID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		c, ok := e.Connection(id)
		if !ok {
			continue
		}
		if e.deliver(c, env) {
			n++
		}
	}

	e.routed.Add(1)
	e.delivered.Add(uint64(n))
	e.metrics.MessageRouted(e.name, p, n)
	return n
}

// sendEnvelopeToRoom forwards a non-message envelope to a room.
func (e *Endpoint) sendEnvelopeToRoom(room string, env *message.Envelope, originID string) int {
	n := 0
	for _, id := range e.rooms.Members(room) {
		if id == originID {
			continue
		}
		if c, ok := e.Connection(id); ok && e.deliver(c, env) {
			n++
		}
	}
	return n
}

// HandleInbound processes an envelope received on connection connID.
// Protocol errors are answered with an error envelope and returned.
func (e *Endpoint) HandleInbound(connID string, env *message.Envelope) error {
	c, ok := e.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	e.touch(c)

	err := e.handle(c, env)
	if err != nil {
		e.deliver(c, message.Error(env.ID, err))
		e.logger.Debug("inbound envelope rejected",
			slog.String("connection_id", c.id),
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()))
	}
	return err
}

func (e *Endpoint) handle(c *Connection, env *message.Envelope) error {
	switch env.Type {
	case message.TypeHeartbeat:
		e.deliver(c, message.HeartbeatAck(env.ID))
		return nil

	case message.TypeHeartbeatAck:
		return nil

	case message.TypeSubscribe:
		e.deliver(c, message.Subscribed(c.participantID, c.id))
		return nil

	case message.TypeUnsubscribe:
		reply := message.Unsubscribed(c.participantID, c.id)
		if c.conn != nil {
			_ = c.conn.WriteEnvelope(reply)
		} else {
			e.deliver(c, reply)
		}
		e.Disconnect(c.id, ReasonUnsubscribe)
		return nil

	case message.TypeJoinRoom:
		if !e.limiter.AllowJoin(c.participantID) {
			return ErrRateLimited
		}
		if len(env.Members) > 0 {
			return e.invite(env.Room, env.Members)
		}
		if _, err := e.rooms.Join(c.id, env.Room); err != nil {
			return err
		}
		e.deliver(c, roomReply(message.TypeRoomJoined, env.Room, c))
		return nil

	case message.TypeLeaveRoom:
		if env.Room == "" {
			return rooms.ErrEmptyRoom
		}
		e.rooms.Leave(c.id, env.Room)
		e.revokeInvite(c.participantID, env.Room)
		e.deliver(c, roomReply(message.TypeRoomLeft, env.Room, c))
		return nil

	case message.TypeAgentMessage, message.TypeResponse:
		if env.Message == nil {
			return ErrMissingMessage
		}
		msg := *env.Message
		if !e.mayActFor(c, msg.FromID) {
			e.dropped.Add(1)
			e.metrics.MessageDropped(e.name, "sender_mismatch")
			return fmt.Errorf("%w: %s", ErrSenderMismatch, msg.FromID)
		}
		if !e.limiter.AllowMessage(c.participantID, msg.Priority) {
			e.dropped.Add(1)
			e.metrics.MessageDropped(e.name, "rate_limited")
			return ErrRateLimited
		}
		e.presence.Touch(c.participantID)
		e.Route(msg, env.Room, c.id)
		return nil

	case message.TypeAgentPresence:
		status, err := presence.ParseStatus(env.Status)
		if err != nil {
			return err
		}
		id := env.ParticipantID
		if id == "" {
			id = c.participantID
		}
		if !e.mayActFor(c, id) {
			return fmt.Errorf("%w: %s", ErrSenderMismatch, id)
		}
		e.presence.Update(id, status)
		e.sendEnvelopeToRoom(rooms.System, message.Presence(id, string(status)), c.id)
		return nil

	case message.TypePerformanceMetrics:
		e.sendEnvelopeToRoom(rooms.Performance, env, c.id)
		return nil

	case message.TypeSystemNotification:
		e.sendEnvelopeToRoom(rooms.Notifications, env, c.id)
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedType, env.Type)
	}
}

// mayActFor reports whether c may send as participantID. Only the system
// participant relays on behalf of others.
func (e *Endpoint) mayActFor(c *Connection, participantID string) bool {
	return participantID == c.participantID || c.participantID == message.SystemID
}

func roomReply(t message.Type, room string, c *Connection) *message.Envelope {
	reply := message.RoomRequest(t, room)
	reply.ConnectionID = c.id
	reply.ParticipantID = c.participantID
	return reply
}
