// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/absmach/fluxmesh/message"
)

// outbox buffers messages sent while disconnected. It is separate from any
// priority queue: its only job is to survive a disconnect window and replay
// in arrival order.
type outbox struct {
	mu       sync.Mutex
	messages []message.Message
	maxSize  int
}

func newOutbox(maxSize int) *outbox {
	if maxSize <= 0 {
		maxSize = DefaultOutboxSize
	}
	return &outbox{maxSize: maxSize}
}

// push appends a copy of msg. It returns false when the outbox is full.
func (o *outbox) push(msg message.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.messages) >= o.maxSize {
		return false
	}
	o.messages = append(o.messages, msg.Clone())
	return true
}

// peek returns the oldest message without removing it.
func (o *outbox) peek() (message.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.messages) == 0 {
		return message.Message{}, false
	}
	return o.messages[0], true
}

// pop removes the oldest message.
func (o *outbox) pop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.messages) == 0 {
		return
	}
	o.messages[0] = message.Message{}
	o.messages = o.messages[1:]
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// drain removes and returns every buffered message.
func (o *outbox) drain() []message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs := o.messages
	o.messages = nil
	return msgs
}
