// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives emitted events.
type Handler func(Event)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Emitter fans events out to handlers registered per event type.
// Handlers run synchronously on the emitting goroutine in registration
// order; a panicking handler is logged and skipped.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   atomic.Uint64
	logger   *slog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[string][]registration),
		logger:   logger,
	}
}

// On registers fn for events of the given type.
func (e *Emitter) On(eventType string, fn Handler) HandlerID {
	id := HandlerID(e.nextID.Add(1))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], registration{id: id, fn: fn})
	return id
}

// Off removes a handler. It reports whether the handler was registered.
func (e *Emitter) Off(eventType string, id HandlerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.handlers[eventType]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(e.handlers, eventType)
		} else {
			e.handlers[eventType] = regs
		}
		return true
	}
	return false
}

// Emit delivers ev to every handler registered for its type.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	regs := e.handlers[ev.Type()]
	e.mu.RUnlock()

	for _, r := range regs {
		e.call(r, ev)
	}
}

// Count returns the number of handlers registered for eventType.
func (e *Emitter) Count(eventType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[eventType])
}

func (e *Emitter) call(r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", ev.Type()),
				slog.Uint64("handler", uint64(r.id)),
				slog.Any("panic", p))
		}
	}()
	r.fn(ev)
}
