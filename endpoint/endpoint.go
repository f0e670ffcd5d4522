// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint implements the server side of the fabric: it accepts
// connections, keeps their room memberships, routes messages by priority
// and reaps idle connections.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/ratelimit"
	"github.com/absmach/fluxmesh/rooms"
	"github.com/absmach/fluxmesh/transport"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultIdleProbe        = 60 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultReapInterval     = 10 * time.Second
	DefaultSendBuffer       = 256
	DefaultHandshakeTimeout = 10 * time.Second
)

// Endpoint errors.
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrClosed            = errors.New("endpoint closed")
	ErrHandshake         = errors.New("expected subscribe handshake")
	ErrUnauthorized      = errors.New("participant not authorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnexpectedType    = errors.New("unexpected envelope type")
	ErrMissingMessage    = errors.New("envelope carries no message")
	ErrSenderMismatch    = errors.New("sender does not match connection participant")
	ErrNotPrivate        = errors.New("invites are limited to private rooms")
)

// Disconnect reasons.
const (
	ReasonClosed      = "closed"
	ReasonIdle        = "idle_timeout"
	ReasonUnsubscribe = "unsubscribe"
	ReasonWriteError  = "write_error"
	ReasonReadError   = "read_error"
	ReasonShutdown    = "shutdown"
)

// Authenticator validates the opaque token a participant presents.
type Authenticator func(participantID, token string) error

// Metrics receives endpoint telemetry. server/otel.Metrics implements it.
type Metrics interface {
	ConnectionOpened(endpoint string)
	ConnectionClosed(endpoint, reason string)
	MessageRouted(endpoint string, p message.Priority, deliveries int)
	MessageDropped(endpoint, reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(string)                     {}
func (noopMetrics) ConnectionClosed(string, string)             {}
func (noopMetrics) MessageRouted(string, message.Priority, int) {}
func (noopMetrics) MessageDropped(string, string)               {}

// Stats is a snapshot of endpoint counters.
type Stats struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Routed      uint64 `json:"routed"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Reaped      uint64 `json:"reaped"`
}

// Connection is one accepted participant connection.
type Connection struct {
	id            string
	participantID string
	remoteAddr    string
	connectedAt   time.Time

	lastActivity atomic.Int64
	probed       atomic.Bool

	send      chan *message.Envelope
	conn      transport.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// ParticipantID returns the participant bound to the connection.
func (c *Connection) ParticipantID() string { return c.participantID }

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Outbound returns the envelopes queued for delivery. Connections without a
// transport are drained by their owner through this channel.
func (c *Connection) Outbound() <-chan *message.Envelope { return c.send }

// Done is closed when the connection is removed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(e *Endpoint) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRateLimiter sets the connection and message limiter.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(e *Endpoint) { e.limiter = m }
}

// WithPresence sets the registry updated from inbound traffic.
func WithPresence(p *presence.Registry) Option {
	return func(e *Endpoint) {
		if p != nil {
			e.presence = p
		}
	}
}

// WithAuthenticator sets the token check applied during the handshake.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Endpoint) { e.auth = a }
}

// WithIdle sets the probe and disconnect idle thresholds.
func WithIdle(probe, timeout time.Duration) Option {
	return func(e *Endpoint) {
		if probe > 0 {
			e.idleProbe = probe
		}
		if timeout > 0 {
			e.idleTimeout = timeout
		}
	}
}

// WithReapInterval sets how often idle connections are checked.
// Zero disables the background reaper; Reap can still be called directly.
func WithReapInterval(d time.Duration) Option {
	return func(e *Endpoint) { e.reapInterval = d }
}

// WithSendBuffer sets the per-connection outbound buffer size.
func WithSendBuffer(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.sendBuffer = n
		}
	}
}

// WithHandshakeTimeout bounds the wait for the subscribe envelope.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.handshakeTimeout = d
		}
	}
}

// WithClock sets the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(e *Endpoint) {
		if now != nil {
			e.now = now
		}
	}
}

// Endpoint accepts connections and fans messages out to rooms.
type Endpoint struct {
	name    string
	logger  *slog.Logger
	metrics Metrics
	limiter *ratelimit.Manager
	auth    Authenticator

	rooms    *rooms.Registry
	presence *presence.Registry

	mu    sync.RWMutex
	conns map[string]*Connection

	// Private rooms per invited participant, joined on every connect.
	invMu   sync.Mutex
	invites map[string]map[string]struct{}

	idleProbe        time.Duration
	idleTimeout      time.Duration
	reapInterval     time.Duration
	sendBuffer       int
	handshakeTimeout time.Duration
	now              func() time.Time

	routed    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	reaped    atomic.Uint64

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an endpoint and starts its idle reaper.
func New(name string, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:             name,
		logger:           slog.Default(),
		metrics:          noopMetrics{},
		rooms:            rooms.New(),
		presence:         presence.New(),
		conns:            make(map[string]*Connection),
		invites:          make(map[string]map[string]struct{}),
		idleProbe:        DefaultIdleProbe,
		idleTimeout:      DefaultIdleTimeout,
		reapInterval:     DefaultReapInterval,
		sendBuffer:       DefaultSendBuffer,
		handshakeTimeout: DefaultHandshakeTimeout,
		now:              time.Now,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("endpoint", name))

	if e.reapInterval > 0 {
		e.wg.Add(1)
		go e.reapLoop()
	}
	return e
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// Rooms exposes the endpoint room registry. Members are connection ids.
func (e *Endpoint) Rooms() *rooms.Registry {
	return e.rooms
}

// Presence exposes the presence registry fed by inbound traffic.
func (e *Endpoint) Presence() *presence.Registry {
	return e.presence
}

// AcceptConnection registers an in-process connection and returns its id.
// An empty participantID gets a generated identity. Deliveries are read
// from Connection.Outbound.
func (e *Endpoint) AcceptConnection(participantID string) (string, error) {
	c, err := e.register(participantID, nil, "")
	if err != nil {
		return "", err
	}
	return c.id, nil
}

// Connection returns the connection with the given id.
func (e *Endpoint) Connection(id string) (*Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[id]
	return c, ok
}

// Connections returns the ids of all connections, ordered.
func (e *Endpoint) Connections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.conns))
	for id := range e.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectionsOf returns the connection ids of a participant.
func (e *Endpoint) ConnectionsOf(participantID string) []string {
	return e.rooms.Members(rooms.Dedicated(participantID))
}

func (e *Endpoint) register(participantID string, conn transport.Conn, remoteAddr string) (*Connection, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	if participantID == "" {
		participantID = "anon-" + id
	}
	now := e.now()
	c := &Connection{
		id:            id,
		participantID: participantID,
		remoteAddr:    remoteAddr,
		connectedAt:   now,
		send:          make(chan *message.Envelope, e.sendBuffer),
		conn:          conn,
		done:          make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())

	e.mu.Lock()
	e.conns[id] = c
	e.mu.Unlock()

	joins := append([]string{rooms.System, rooms.Broadcast, rooms.Dedicated(participantID)}, e.invitedRooms(participantID)...)
	for _, room := range joins {
		if _, err := e.rooms.Join(id, room); err != nil {
			e.Disconnect(id, ReasonClosed)
			return nil, fmt.Errorf("join %s: %w", room, err)
		}
	}
	e.presence.Touch(participantID)
	e.metrics.ConnectionOpened(e.name)

	e.logger.Info("connection accepted",
		slog.String("connection_id", id),
		slog.String("participant_id", participantID),
		slog.String("remote_addr", remoteAddr))
	return c, nil
}

// Disconnect removes a connection and releases its room memberships.
func (e *Endpoint) Disconnect(id, reason string) bool {
	e.mu.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}

	e.rooms.LeaveAll(id)
	if len(e.ConnectionsOf(c.participantID)) == 0 {
		e.limiter.OnDisconnect(c.participantID)
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	e.metrics.ConnectionClosed(e.name, reason)

	e.logger.Info("connection closed",
		slog.String("connection_id", id),
		slog.String("participant_id", c.participantID),
		slog.String("reason", reason))
	return true
}

// JoinRoom adds a connection to room.
func (e *Endpoint) JoinRoom(connID, room string) error {
	if _, ok := e.Connection(connID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	_, err := e.rooms.Join(connID, room)
	return err
}

// LeaveRoom removes a connection from room.
func (e *Endpoint) LeaveRoom(connID, room string) error {
	if _, ok := e.Connection(connID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	e.rooms.Leave(connID, room)
	return nil
}

// Stats returns a snapshot of endpoint counters.
func (e *Endpoint) Stats() Stats {
	e.mu.RLock()
	n := len(e.conns)
	e.mu.RUnlock()

	return Stats{
		Name:        e.name,
		Connections: n,
		Rooms:       len(e.rooms.Rooms()),
		Routed:      e.routed.Load(),
		Delivered:   e.delivered.Load(),
		Dropped:     e.dropped.Load(),
		Reaped:      e.reaped.Load(),
	}
}

// Close disconnects every connection and stops the reaper.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	for _, id := range e.Connections() {
		e.Disconnect(id, ReasonShutdown)
	}
	e.logger.Info("endpoint closed")
	return nil
}

// deliver queues env for c without blocking. A full buffer drops the
// envelope for that connection only.
func (e *Endpoint) deliver(c *Connection, env *message.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		e.dropped.Add(1)
		e.metrics.MessageDropped(e.name, "slow_consumer")
		e.logger.Warn("connection send buffer full, envelope dropped",
			slog.String("connection_id", c.id),
			slog.String("type", string(env.Type)))
		return false
	}
}

func (e *Endpoint) touch(c *Connection) {
	c.lastActivity.Store(e.now().UnixNano())
	c.probed.Store(false)
}
