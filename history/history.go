// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package history keeps the most recent messages in a fixed-size ring.
//
// Eviction is oldest-first and ignores priority: a critical message is
// evicted as readily as a low one. The buffer is not an audit log.
package history

import (
	"sync"

	"github.com/absmach/fluxmesh/message"
)

// DefaultCapacity is the number of retained messages when none is given.
const DefaultCapacity = 1000

// Buffer is a bounded ring of messages.
type Buffer struct {
	mu      sync.RWMutex
	ring    []message.Message
	head    int
	size    int
	evicted uint64
}

// New creates a buffer retaining at most capacity messages.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ring: make([]message.Message, capacity)}
}

// Append stores a copy of msg, evicting the oldest entry when full.
// It reports whether an entry was evicted.
func (b *Buffer) Append(msg message.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := len(b.ring)
	if b.size < c {
		b.ring[(b.head+b.size)%c] = msg.Clone()
		b.size++
		return false
	}

	b.ring[b.head] = msg.Clone()
	b.head = (b.head + 1) % c
	b.evicted++
	return true
}

// Last returns up to limit most recent messages, oldest first.
// A non-positive limit returns everything retained.
func (b *Buffer) Last(limit int) []message.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]message.Message, 0, limit)
	c := len(b.ring)
	start := b.size - limit
	for i := start; i < b.size; i++ {
		out = append(out, b.ring[(b.head+i)%c].Clone())
	}
	return out
}

// Get returns the retained message with the given id.
func (b *Buffer) Get(id string) (message.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c := len(b.ring)
	for i := b.size - 1; i >= 0; i-- {
		msg := b.ring[(b.head+i)%c]
		if msg.ID == id {
			return msg.Clone(), true
		}
	}
	return message.Message{}, false
}

// Len returns the number of retained messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}

// Evicted returns how many messages were pushed out by newer ones.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}
