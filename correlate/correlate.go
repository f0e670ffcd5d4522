// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package correlate matches replies to outgoing messages awaiting a response.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/message"
)

// Default timeouts.
const (
	DefaultAckTimeout      = 10 * time.Second
	DefaultResponseTimeout = 30 * time.Second

	// DefaultRetention is how long a resolved response stays readable
	// by an Await that arrives after the reply.
	DefaultRetention = time.Minute
)

// Correlator errors.
var (
	ErrTimeout        = errors.New("response timed out")
	ErrClosed         = errors.New("correlator closed")
	ErrEmptyID        = errors.New("message id cannot be empty")
	ErrTooManyPending = errors.New("too many pending responses")
)

// Pending is a single-fire completion for one message id.
type Pending struct {
	id       string
	deadline time.Time
	done     chan struct{}
	resp     message.Message
	err      error
	timer    *time.Timer
}

// ID returns the id of the message awaiting a response.
func (p *Pending) ID() string {
	return p.id
}

// Deadline returns when the entry times out.
func (p *Pending) Deadline() time.Time {
	return p.deadline
}

// Done is closed once the entry is resolved, rejected or timed out.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (message.Message, error) {
	return p.resp, p.err
}

// Wait blocks until completion or ctx is done.
func (p *Pending) Wait(ctx context.Context) (message.Message, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithRetention sets how long resolved entries are kept for late
// waiters. Zero disables retention.
func WithRetention(d time.Duration) Option {
	return func(c *Correlator) {
		if d >= 0 {
			c.retention = d
		}
	}
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

type resolved struct {
	id    string
	until time.Time
}

// Correlator owns pending responses keyed by message id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
	max     int
	closed  bool

	// Resolved entries, oldest first.
	retention time.Duration
	settled   map[string]*Pending
	expiry    []resolved
	now       func() time.Time
}

// New creates a correlator. A non-positive max means unbounded.
func New(max int, opts ...Option) *Correlator {
	c := &Correlator{
		pending:   make(map[string]*Pending),
		max:       max,
		retention: DefaultRetention,
		settled:   make(map[string]*Pending),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Expect registers id as awaiting a response. The entry is removed and
// failed with ErrTimeout once timeout elapses, independent of traffic.
// Expecting an id that is already pending returns the existing entry, and
// expecting an id resolved within the retention window returns the
// completed entry.
func (c *Correlator) Expect(id string, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.pending[id]; ok {
		return p, nil
	}
	c.pruneLocked()
	if p, ok := c.settled[id]; ok {
		return p, nil
	}
	if c.max > 0 && len(c.pending) >= c.max {
		return nil, ErrTooManyPending
	}

	p := &Pending{
		id:       id,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.complete(id, message.Message{}, ErrTimeout)
	})
	c.pending[id] = p
	return p, nil
}

// Await waits for the response to id. A reply that was resolved before
// the call is returned immediately. If id is not yet pending it is
// registered with timeout. When the wait times out or ctx is cancelled the
// entry is removed; other waiters are unaffected.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) (message.Message, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	p, err := c.Expect(id, timeout)
	if err != nil {
		return message.Message{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
	case <-t.C:
		c.complete(id, message.Message{}, ErrTimeout)
	case <-ctx.Done():
		c.complete(id, message.Message{}, ctx.Err())
	}
	<-p.done
	return p.resp, p.err
}

// Resolve completes the entry referenced by msg.ResponseToID.
// Only the first matching reply wins; later ones return false.
func (c *Correlator) Resolve(msg message.Message) bool {
	if msg.ResponseToID == "" {
		return false
	}
	return c.complete(msg.ResponseToID, msg.Clone(), nil)
}

// Reject fails the entry for id with err.
func (c *Correlator) Reject(id string, err error) bool {
	return c.complete(id, message.Message{}, err)
}

// Has reports whether id is pending.
func (c *Correlator) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending entry with ErrClosed and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.settled = make(map[string]*Pending)
	c.expiry = nil
	c.closed = true
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.err = ErrClosed
		close(p.done)
	}
}

func (c *Correlator) complete(id string, resp message.Message, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	p.timer.Stop()
	p.resp = resp
	p.err = err
	close(p.done)
	if err == nil && c.retention > 0 {
		c.pruneLocked()
		c.settled[id] = p
		c.expiry = append(c.expiry, resolved{id: id, until: c.now().Add(c.retention)})
	}
	c.mu.Unlock()
	return true
}

// Settled returns the number of resolved entries still retained.
func (c *Correlator) Settled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return len(c.settled)
}

func (c *Correlator) pruneLocked() {
	now := c.now()
	n := 0
	for _, r := range c.expiry {
		if r.until.After(now) {
			break
		}
		delete(c.settled, r.id)
		n++
	}
	if n > 0 {
		c.expiry = append(c.expiry[:0], c.expiry[n:]...)
	}
}
