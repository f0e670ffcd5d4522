// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the four-lane strict priority queue used when
// immediate delivery is not possible.
//
// Lanes are drained in strict priority order with no fairness budget: a
// sustained stream of critical messages starves the lower lanes. Callers that
// need a bounded delay for low priority traffic must throttle critical
// producers themselves.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxmesh/message"
)

// DefaultLaneCapacity is the per-lane capacity used when none is given.
const DefaultLaneCapacity = 1000

// ErrLaneFull is reported when a message is dropped because its lane is full.
var ErrLaneFull = errors.New("dispatch lane is full")

// Queue holds one bounded FIFO lane per priority.
type Queue struct {
	mu       sync.Mutex
	lanes    [message.NumPriorities][]message.Message
	capacity int
	dropped  atomic.Uint64
	ready    chan struct{}
	logger   *slog.Logger
}

// New creates a queue with the given per-lane capacity.
func New(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultLaneCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		logger:   logger,
	}
}

// Enqueue appends msg to the tail of its priority lane.
// A full lane fails closed: the message is dropped and false is returned.
func (q *Queue) Enqueue(msg message.Message) bool {
	return q.TryEnqueue(msg) == nil
}

// TryEnqueue is Enqueue with the failure reason.
func (q *Queue) TryEnqueue(msg message.Message) error {
	lane, err := q.lane(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if len(q.lanes[lane]) >= q.capacity {
		q.mu.Unlock()
		return q.drop(msg)
	}
	q.lanes[lane] = append(q.lanes[lane], msg)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Requeue puts msg back at the head of its lane so it is the next message
// of that priority to be dequeued.
func (q *Queue) Requeue(msg message.Message) bool {
	lane, err := q.lane(msg)
	if err != nil {
		return false
	}

	q.mu.Lock()
	if len(q.lanes[lane]) >= q.capacity {
		q.mu.Unlock()
		_ = q.drop(msg)
		return false
	}
	q.lanes[lane] = append([]message.Message{msg}, q.lanes[lane]...)
	q.mu.Unlock()

	q.signal()
	return true
}

// DequeueHighest removes and returns the head of the most urgent non-empty lane.
func (q *Queue) DequeueHighest() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.lanes {
		if len(q.lanes[i]) == 0 {
			continue
		}
		msg := q.lanes[i][0]
		q.lanes[i][0] = message.Message{}
		q.lanes[i] = q.lanes[i][1:]
		if len(q.lanes[i]) == 0 {
			q.lanes[i] = nil
		}
		return msg, true
	}
	return message.Message{}, false
}

// Len returns the number of pending messages across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

// LaneLen returns the number of pending messages of priority p.
func (q *Queue) LaneLen(p message.Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[p.Lane()])
}

// Capacity returns the per-lane capacity.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Dropped returns the number of messages rejected because of full lanes.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Ready is signalled after a message is added. The signal is level
// coalesced: several enqueues may produce a single wake-up.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) lane(msg message.Message) (int, error) {
	if !msg.Priority.Valid() {
		return 0, fmt.Errorf("enqueue message %s: %w", msg.ID, message.ErrUnknownPriority)
	}
	return msg.Priority.Lane(), nil
}

func (q *Queue) drop(msg message.Message) error {
	q.dropped.Add(1)
	q.logger.Warn("dispatch lane full, message dropped",
		slog.String("message_id", msg.ID),
		slog.String("priority", msg.Priority.String()),
		slog.Int("capacity", q.capacity))
	return fmt.Errorf("enqueue message %s (priority: %s, max: %d): %w",
		msg.ID, msg.Priority, q.capacity, ErrLaneFull)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
