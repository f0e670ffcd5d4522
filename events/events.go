// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConnected          = "connected"
	TypeDisconnected       = "disconnected"
	TypeReconnecting       = "reconnecting"
	TypeExhausted          = "exhausted"
	TypeFailover           = "failover"
	TypeAgentMessage       = "agentMessage"
	TypePresenceUpdate     = "presenceUpdate"
	TypeSystemNotification = "systemNotification"
	TypeError              = "error"
	TypeMessageDropped     = "messageDropped"
)

// Types lists every event type in a stable order.
var Types = []string{
	TypeConnected,
	TypeDisconnected,
	TypeReconnecting,
	TypeExhausted,
	TypeFailover,
	TypeAgentMessage,
	TypePresenceUpdate,
	TypeSystemNotification,
	TypeError,
	TypeMessageDropped,
}

// Event is the common interface for all fabric events.
type Event interface {
	// Type returns the event type identifier (e.g., "failover")
	Type() string

	// Subject returns the participant or link the event concerns, empty if none
	Subject() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(fabricID string) *Envelope
}

// Envelope is the common wrapper for events leaving the process.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	FabricID  string `json:"fabric_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, fabricID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		FabricID:  fabricID,
		Data:      e,
	}
}

// Connected is emitted when a link completes its handshake.
type Connected struct {
	Link string `json:"link"`
}

func (e Connected) Type() string                   { return TypeConnected }
func (e Connected) Subject() string                { return e.Link }
func (e Connected) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// Disconnected is emitted when a link loses its transport.
type Disconnected struct {
	Link   string `json:"link"`
	Reason string `json:"reason"`
}

func (e Disconnected) Type() string                   { return TypeDisconnected }
func (e Disconnected) Subject() string                { return e.Link }
func (e Disconnected) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// Reconnecting is emitted before each scheduled reconnect attempt.
type Reconnecting struct {
	Link    string `json:"link"`
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms"`
}

func (e Reconnecting) Type() string                   { return TypeReconnecting }
func (e Reconnecting) Subject() string                { return e.Link }
func (e Reconnecting) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// Exhausted is emitted when a link gives up reconnecting.
type Exhausted struct {
	Link     string `json:"link"`
	Attempts int    `json:"attempts"`
}

func (e Exhausted) Type() string                   { return TypeExhausted }
func (e Exhausted) Subject() string                { return e.Link }
func (e Exhausted) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// Failover is emitted when the active link changes.
type Failover struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Failover) Type() string                   { return TypeFailover }
func (e Failover) Subject() string                { return e.To }
func (e Failover) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// AgentMessage is emitted for every inbound agent message.
type AgentMessage struct {
	Message message.Message `json:"message"`
}

func (e AgentMessage) Type() string                   { return TypeAgentMessage }
func (e AgentMessage) Subject() string                { return e.Message.FromID }
func (e AgentMessage) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// PresenceUpdate is emitted when a participant reports a status.
type PresenceUpdate struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

func (e PresenceUpdate) Type() string                   { return TypePresenceUpdate }
func (e PresenceUpdate) Subject() string                { return e.ParticipantID }
func (e PresenceUpdate) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// SystemNotification is emitted for notifications published to the fabric.
type SystemNotification struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (e SystemNotification) Type() string                   { return TypeSystemNotification }
func (e SystemNotification) Subject() string                { return "" }
func (e SystemNotification) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// Error is emitted for protocol errors reported by a peer.
type Error struct {
	Source    string `json:"source"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}

func (e Error) Type() string                   { return TypeError }
func (e Error) Subject() string                { return e.Source }
func (e Error) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }

// MessageDropped is emitted when a dispatch lane rejects a message.
type MessageDropped struct {
	MessageID string `json:"message_id"`
	FromID    string `json:"from_id"`
	Priority  string `json:"priority"`
	Reason    string `json:"reason"`
}

func (e MessageDropped) Type() string                   { return TypeMessageDropped }
func (e MessageDropped) Subject() string                { return e.FromID }
func (e MessageDropped) Wrap(fabricID string) *Envelope { return wrap(e, fabricID) }
