// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the participant side of a fabric connection:
// handshake, heartbeat, exponential backoff reconnection and a disconnect
// window outbox.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/transport"
	"github.com/google/uuid"
)

// Result reports what Send did with a message.
type Result int

// Send results.
const (
	ResultFailed Result = iota
	ResultSent
	ResultQueued
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultQueued:
		return "queued"
	default:
		return "failed"
	}
}

// Backoff returns the delay before the k-th reconnect attempt:
// min(max, base*2^(k-1)).
func Backoff(k int, base, max time.Duration) time.Duration {
	if k < 1 {
		k = 1
	}
	d := base
	for i := 1; i < k; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	return min(d, max)
}

// link is one established transport connection.
type link struct {
	conn transport.Conn
	stop chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.stop)
		l.conn.Close()
	})
}

// Client is a thread-safe fabric connection.
type Client struct {
	opts   *Options
	logger *slog.Logger

	// State management
	state *stateManager

	// Connection
	link   *link
	connMu sync.RWMutex

	// Disconnect window buffer; sendMu orders direct writes against flushes.
	outbox *outbox
	sendMu sync.Mutex

	// Rooms and invites replayed after every reconnect
	rooms   map[string]struct{}
	invites map[string][]string
	roomsMu sync.Mutex

	// Reconnection
	reconnMu  sync.Mutex
	attempts  int
	exhausted bool
	timer     *time.Timer

	// Heartbeat
	lastAck atomic.Int64
	rtt     atomic.Int64
	hbMu    sync.Mutex
	hbSent  map[string]time.Time

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a client and starts connecting in the background.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, ErrNoURL
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With(slog.String("connection", opts.Name)),
		state:   newStateManager(),
		outbox:  newOutbox(opts.OutboxSize),
		rooms:   make(map[string]struct{}),
		invites: make(map[string][]string),
		hbSent:  make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}

	go c.connect()
	return c, nil
}

// Name returns the connection name.
func (c *Client) Name() string {
	return c.opts.Name
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// IsHealthy reports whether the client is connected and a heartbeat ack
// arrived within the health window.
func (c *Client) IsHealthy() bool {
	if !c.state.isConnected() {
		return false
	}
	last := c.lastAck.Load()
	return last > 0 && time.Since(time.Unix(0, last)) < c.opts.HealthWindow
}

// LastHeartbeatAck returns when the last heartbeat ack arrived.
func (c *Client) LastHeartbeatAck() time.Time {
	last := c.lastAck.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// RTT returns the last measured heartbeat round-trip time.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (c *Client) Attempts() int {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	return c.attempts
}

// Exhausted reports whether automatic reconnection has stopped.
func (c *Client) Exhausted() bool {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	return c.exhausted
}

// Queued returns the number of messages waiting in the outbox.
func (c *Client) Queued() int {
	return c.outbox.len()
}

// Reconnect resumes connecting after retries were exhausted. It resets the
// attempt counter.
func (c *Client) Reconnect() error {
	if c.state.isClosed() {
		return ErrClientClosed
	}

	c.reconnMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.exhausted = false
	c.reconnMu.Unlock()

	if c.state.isConnected() {
		return nil
	}
	go c.connect()
	return nil
}

// Disconnect permanently closes the client. Pending reconnect timers are
// cancelled and buffered messages are discarded.
func (c *Client) Disconnect() error {
	if !c.state.close() {
		return nil
	}
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.reconnMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.reconnMu.Unlock()

	c.connMu.Lock()
	l := c.link
	c.link = nil
	c.connMu.Unlock()

	if l != nil {
		l.close()
	}
	if n := len(c.outbox.drain()); n > 0 {
		c.logger.Warn("discarding buffered messages on disconnect", slog.Int("count", n))
	}
	c.logger.Info("connection closed")
	return nil
}

// Send transmits msg when connected, otherwise buffers it in the outbox.
// Buffered messages are flushed in arrival order after reconnecting.
func (c *Client) Send(msg message.Message) (Result, error) {
	if c.state.isClosed() {
		return ResultFailed, ErrClientClosed
	}
	if err := msg.Validate(); err != nil {
		return ResultFailed, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.state.isConnected() && c.outbox.len() == 0 {
		if err := c.write(message.AgentMessage(msg)); err == nil {
			return ResultSent, nil
		}
	}
	if !c.outbox.push(msg) {
		return ResultFailed, ErrOutboxFull
	}
	return ResultQueued, nil
}

// Transmit writes msg only if the client is connected. Unlike Send it never
// buffers, so callers can apply their own fallback.
func (c *Client) Transmit(msg message.Message) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.write(message.AgentMessage(msg))
}

// SendEnvelope writes a raw envelope when connected.
func (c *Client) SendEnvelope(env *message.Envelope) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	return c.write(env)
}

// JoinRoom joins room now if connected and again after every reconnect.
func (c *Client) JoinRoom(room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	c.roomsMu.Lock()
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()

	if c.state.isConnected() {
		return c.write(message.RoomRequest(message.TypeJoinRoom, room))
	}
	return nil
}

// Invite joins every connection of members to the private room now if
// connected and again after every reconnect.
func (c *Client) Invite(room string, members ...string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	c.roomsMu.Lock()
	c.invites[room] = append([]string(nil), members...)
	c.roomsMu.Unlock()

	if c.state.isConnected() {
		return c.write(message.Invite(room, members...))
	}
	return nil
}

// LeaveRoom leaves room and stops replaying it.
func (c *Client) LeaveRoom(room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	c.roomsMu.Lock()
	delete(c.rooms, room)
	delete(c.invites, room)
	c.roomsMu.Unlock()

	if c.state.isConnected() {
		return c.write(message.RoomRequest(message.TypeLeaveRoom, room))
	}
	return nil
}

// Rooms returns the rooms held by the client.
func (c *Client) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (c *Client) connect() {
	if !c.state.transitionFrom(StateConnecting, StateDisconnected, StateReconnecting) {
		return
	}

	conn, err := c.dial()
	if err != nil {
		if !c.state.transition(StateConnecting, StateDisconnected) {
			return
		}
		c.logger.Warn("connect failed", slog.String("error", err.Error()))
		c.scheduleReconnect()
		return
	}

	l := &link{conn: conn, stop: make(chan struct{})}
	c.connMu.Lock()
	c.link = l
	c.connMu.Unlock()

	if !c.state.transition(StateConnecting, StateConnected) {
		c.connMu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.connMu.Unlock()
		l.close()
		return
	}

	c.reconnMu.Lock()
	c.attempts = 0
	c.exhausted = false
	c.reconnMu.Unlock()

	c.lastAck.Store(time.Now().UnixNano())
	go c.readLoop(l)
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(l)
	}

	c.rejoin()
	c.flush()

	c.logger.Info("connected", slog.String("url", c.opts.URL))
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

// dial opens the transport and performs the subscribe handshake.
func (c *Client) dial() (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if err := conn.WriteEnvelope(message.Subscribe(c.opts.ParticipantID, c.opts.Token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	type reply struct {
		env *message.Envelope
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		env, err := conn.ReadEnvelope()
		ch <- reply{env: env, err: err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, r.err)
		case r.env.Type == message.TypeError:
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrConnectRejected, r.env.Error)
		case r.env.Type != message.TypeSubscribed:
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, r.env.Type)
		}
		return conn, nil
	case <-ctx.Done():
		conn.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, ErrClientClosed
	}
}

func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.write(message.RoomRequest(message.TypeJoinRoom, room)); err != nil {
			c.logger.Warn("failed to rejoin room",
				slog.String("room", room),
				slog.String("error", err.Error()))
			return
		}
	}

	c.roomsMu.Lock()
	invites := make([]*message.Envelope, 0, len(c.invites))
	for room, members := range c.invites {
		invites = append(invites, message.Invite(room, members...))
	}
	c.roomsMu.Unlock()
	for _, env := range invites {
		if err := c.write(env); err != nil {
			c.logger.Warn("failed to replay invite",
				slog.String("room", env.Room),
				slog.String("error", err.Error()))
			return
		}
	}
}

// flush writes buffered messages oldest first. A failed write leaves the
// message at the head of the outbox for the next connection.
func (c *Client) flush() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	n := 0
	for {
		msg, ok := c.outbox.peek()
		if !ok {
			break
		}
		if err := c.write(message.AgentMessage(msg)); err != nil {
			break
		}
		c.outbox.pop()
		n++
	}
	if n > 0 {
		c.logger.Debug("flushed outbox", slog.Int("count", n))
	}
}

func (c *Client) write(env *message.Envelope) error {
	c.connMu.RLock()
	l := c.link
	c.connMu.RUnlock()

	if l == nil {
		return ErrNotConnected
	}
	if err := l.conn.WriteEnvelope(env); err != nil {
		go c.handleConnectionLost(l, err)
		return err
	}
	return nil
}

func (c *Client) readLoop(l *link) {
	for {
		env, err := l.conn.ReadEnvelope()
		if err != nil {
			c.handleConnectionLost(l, err)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *message.Envelope) {
	switch env.Type {
	case message.TypeHeartbeatAck:
		c.handleAck(env.ID)
	case message.TypeHeartbeat:
		if err := c.write(message.HeartbeatAck(env.ID)); err != nil {
			c.logger.Debug("failed to ack endpoint heartbeat", slog.String("error", err.Error()))
		}
	case message.TypeAgentMessage, message.TypeResponse:
		if env.Message != nil && c.opts.OnMessage != nil {
			c.opts.OnMessage(*env.Message)
		}
	default:
		if c.opts.OnEnvelope != nil {
			c.opts.OnEnvelope(env)
		}
	}
}

func (c *Client) handleConnectionLost(l *link, err error) {
	c.connMu.Lock()
	if c.link != l {
		c.connMu.Unlock()
		return
	}
	c.link = nil
	c.connMu.Unlock()

	l.close()
	if !c.state.transition(StateConnected, StateDisconnected) {
		return
	}

	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or gives
// up once MaxReconnectAttempts consecutive attempts have failed.
func (c *Client) scheduleReconnect() {
	c.reconnMu.Lock()
	if c.state.isClosed() {
		c.reconnMu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.exhausted = true
		attempts := c.attempts
		c.reconnMu.Unlock()

		c.logger.Error("reconnect attempts exhausted", slog.Int("attempts", attempts))
		if c.opts.OnExhausted != nil {
			c.opts.OnExhausted(attempts)
		}
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := Backoff(attempt, c.opts.ReconnectBackoff, c.opts.MaxReconnectWait)
	c.state.transition(StateDisconnected, StateReconnecting)
	c.timer = time.AfterFunc(delay, c.connect)
	c.reconnMu.Unlock()

	c.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	if c.opts.OnReconnecting != nil {
		c.opts.OnReconnecting(attempt, delay)
	}
}

// Heartbeat

func (c *Client) heartbeat(l *link) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	id := uuid.NewString()
	now := time.Now()

	c.hbMu.Lock()
	for k, sent := range c.hbSent {
		if now.Sub(sent) > c.opts.HealthWindow {
			delete(c.hbSent, k)
		}
	}
	c.hbSent[id] = now
	c.hbMu.Unlock()

	if err := c.write(message.Heartbeat(id)); err != nil {
		c.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
	}
}

func (c *Client) handleAck(id string) {
	now := time.Now()

	c.hbMu.Lock()
	sent, ok := c.hbSent[id]
	delete(c.hbSent, id)
	c.hbMu.Unlock()

	if ok {
		c.rtt.Store(int64(now.Sub(sent)))
	}
	c.lastAck.Store(now.UnixNano())
}
