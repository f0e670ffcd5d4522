// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the value objects exchanged on the fabric and the
// wire envelope that carries them between participants and endpoints.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemID is the reserved participant id of the fabric itself.
const SystemID = "system"

// Message errors.
var (
	ErrEmptyID         = errors.New("message id cannot be empty")
	ErrEmptySender     = errors.New("message sender cannot be empty")
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrUnknownPriority = errors.New("unknown message priority")
)

// Kind classifies the intent of a message.
type Kind string

// Message kinds.
const (
	KindData         Kind = "data"
	KindCommand      Kind = "command"
	KindQuery        Kind = "query"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
	KindStatus       Kind = "status"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindData, KindCommand, KindQuery, KindResponse, KindNotification, KindError, KindStatus:
		return true
	default:
		return false
	}
}

// Priority orders delivery. Lower values are more urgent; the zero value
// is unset and invalid.
type Priority uint8

// Priorities, most urgent first.
const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// NumPriorities is the number of priority lanes.
const NumPriorities = 4

// Priorities lists every priority in dispatch order.
var Priorities = [NumPriorities]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Lane returns the zero-based dispatch lane index of p.
func (p Priority) Lane() int {
	return int(p) - 1
}

// Urgent reports whether p bypasses queueing on the send path.
func (p Priority) Urgent() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Message is an immutable event exchanged between participants.
// An empty ToID means broadcast and is encoded as JSON null. A non-empty
// Room addresses the members of that room instead of ToID.
type Message struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	FromID           string          `json:"fromId"`
	ToID             string          `json:"-"`
	Content          json.RawMessage `json:"content,omitempty"`
	Kind             Kind            `json:"kind"`
	Priority         Priority        `json:"priority"`
	RequiresResponse bool            `json:"requiresResponse"`
	ResponseToID     string          `json:"responseToId,omitempty"`
	Room             string          `json:"room,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// New creates a message with a fresh id and timestamp.
// Content is JSON encoded; raw JSON is kept as is.
func New(from, to string, content any, kind Kind, priority Priority) (Message, error) {
	raw, err := EncodeContent(content)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		FromID:    from,
		ToID:      to,
		Content:   raw,
		Kind:      kind,
		Priority:  priority,
	}
	return msg, msg.Validate()
}

// NewID returns a new unique message id.
func NewID() string {
	return uuid.NewString()
}

// EncodeContent turns an arbitrary payload into JSON.
func EncodeContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return c, nil
	case []byte:
		if json.Valid(c) {
			return json.RawMessage(c), nil
		}
		return json.Marshal(string(c))
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode message content: %w", err)
		}
		return b, nil
	}
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool {
	return m.ToID == ""
}

// Text returns the content as a string when it is a JSON string.
func (m Message) Text() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// DecodeContent unmarshals the content into v.
func (m Message) DecodeContent(v any) error {
	return json.Unmarshal(m.Content, v)
}

// Validate checks required fields and enum values.
func (m Message) Validate() error {
	if m.ID == "" {
		return ErrEmptyID
	}
	if m.FromID == "" {
		return ErrEmptySender
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownPriority, m.Priority)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	if m.Content != nil {
		c.Content = make(json.RawMessage, len(m.Content))
		copy(c.Content, m.Content)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

type wireMessage Message

type jsonMessage struct {
	*wireMessage
	ToID *string `json:"toId"`
}

// MarshalJSON encodes the message, writing a null toId for broadcasts.
func (m Message) MarshalJSON() ([]byte, error) {
	wm := wireMessage(m)
	jm := jsonMessage{wireMessage: &wm}
	if m.ToID != "" {
		to := m.ToID
		jm.ToID = &to
	}
	return json.Marshal(jm)
}

// UnmarshalJSON decodes a message, mapping a null toId to broadcast.
func (m *Message) UnmarshalJSON(b []byte) error {
	var wm wireMessage
	jm := jsonMessage{wireMessage: &wm}
	if err := json.Unmarshal(b, &jm); err != nil {
		return err
	}
	*m = Message(wm)
	if jm.ToID != nil {
		m.ToID = *jm.ToID
	}
	return nil
}
