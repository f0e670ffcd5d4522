// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"log/slog"

	"github.com/absmach/fluxmesh/events"
	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/pkg/seal"
	"github.com/absmach/fluxmesh/presence"
)

// HandleInbound processes an agent message received from a link: it is
// recorded in history, its sender is marked online, a pending response is
// resolved and agentMessage is emitted.
func (f *Fabric) HandleInbound(msg message.Message) {
	if f.sealer != nil && seal.IsSealed(msg) {
		opened, err := f.sealer.Open(msg)
		if err != nil {
			f.logger.Warn("dropping unreadable sealed message",
				slog.String("message_id", msg.ID),
				slog.String("from", msg.FromID),
				slog.String("error", err.Error()))
			f.emitter.Emit(events.Error{Source: msg.FromID, MessageID: msg.ID, Error: err.Error()})
			return
		}
		msg = opened
	}

	f.history.Append(msg)
	if msg.FromID != "" {
		f.presence.Touch(msg.FromID)
	}

	if msg.ResponseToID != "" {
		if f.correlator.Resolve(msg) {
			if orig, ok := f.history.Get(msg.ResponseToID); ok {
				d := f.now().Sub(orig.Timestamp)
				f.stats.observeLatency(d)
				f.metrics.ResponseLatency(d)
			}
		}
	}

	f.emitter.Emit(events.AgentMessage{Message: msg})
}

// HandleEnvelope processes non-message envelopes received from a link.
func (f *Fabric) HandleEnvelope(env *message.Envelope) {
	switch env.Type {
	case message.TypeAgentMessage, message.TypeResponse:
		if env.Message != nil {
			f.HandleInbound(*env.Message)
		}

	case message.TypeAgentPresence:
		status, err := presence.ParseStatus(env.Status)
		if err != nil || env.ParticipantID == "" {
			f.logger.Debug("ignoring malformed presence update",
				slog.String("participant", env.ParticipantID),
				slog.String("status", env.Status))
			return
		}
		f.UpdatePresence(env.ParticipantID, status)

	case message.TypeSystemNotification:
		f.emitter.Emit(events.SystemNotification{Status: env.Status, Data: env.Data})

	case message.TypeError:
		f.emitter.Emit(events.Error{Source: env.ConnectionID, MessageID: env.ID, Error: env.Error})

	case message.TypeRoomJoined:
		if env.ParticipantID != "" && env.Room != "" {
			_, _ = f.rooms.Join(env.ParticipantID, env.Room)
		}

	case message.TypeRoomLeft:
		if env.ParticipantID != "" && env.Room != "" {
			f.rooms.Leave(env.ParticipantID, env.Room)
		}

	default:
		f.logger.Debug("unhandled envelope", slog.String("type", string(env.Type)))
	}
}

func (f *Fabric) emitDropped(msg message.Message, reason string) {
	f.emitter.Emit(events.MessageDropped{
		MessageID: msg.ID,
		FromID:    msg.FromID,
		Priority:  msg.Priority.String(),
		Reason:    reason,
	})
}
