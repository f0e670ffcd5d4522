// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fabric composes the dispatch queue, registries, history,
// response correlation and topology into the producer API used by agents
// and consoles.
//
// Urgent messages (critical and high) are handed to the active link
// immediately and fall back to the dispatch queue when that fails. Normal
// and low messages always go through the queue, which a background drain
// loop empties highest priority first while the active link is healthy.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/client"
	"github.com/absmach/fluxmesh/config"
	"github.com/absmach/fluxmesh/correlate"
	"github.com/absmach/fluxmesh/dispatch"
	"github.com/absmach/fluxmesh/events"
	"github.com/absmach/fluxmesh/history"
	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/pkg/seal"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/rooms"
	"github.com/absmach/fluxmesh/topology"
	"github.com/absmach/fluxmesh/transport"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoTopology     = errors.New("fabric: no topology attached")
	ErrTopologyExists = errors.New("fabric: topology already attached")
	ErrStopped        = errors.New("fabric: stopped")
	ErrDropped        = errors.New("fabric: message dropped")
)

// Metrics receives fabric counters. server/otel.Metrics implements it.
type Metrics interface {
	MessageSent(priority message.Priority, immediate bool)
	MessageQueued(priority message.Priority)
	MessageFailed(priority message.Priority, reason string)
	ResponseLatency(d time.Duration)
	Failover(from, to string)
}

type noopMetrics struct{}

func (noopMetrics) MessageSent(message.Priority, bool) {}
func (noopMetrics) MessageQueued(message.Priority) {}
func (noopMetrics) MessageFailed(message.Priority, string) {}
func (noopMetrics) ResponseLatency(time.Duration) {}
func (noopMetrics) Failover(string, string) {}

// Notifier receives every emitted event for out-of-process delivery.
type Notifier interface {
	Subscribe(e *events.Emitter) []events.HandlerID
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fabric) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(f *Fabric) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithTracer enables a span per send. A nil tracer disables tracing.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fabric) {
		f.tracer = t
	}
}

// WithNotifier subscribes n to the fabric's events.
func WithNotifier(n Notifier) Option {
	return func(f *Fabric) {
		f.notifier = n
	}
}

// WithSealer seals outgoing content and opens sealed inbound content.
func WithSealer(s *seal.Sealer) Option {
	return func(f *Fabric) {
		f.sealer = s
	}
}

// WithClock overrides the time source of the fabric and its presence
// registry.
func WithClock(now func() time.Time) Option {
	return func(f *Fabric) {
		if now != nil {
			f.now = now
		}
	}
}

// Fabric is the orchestrator.
type Fabric struct {
	cfg    config.FabricConfig
	logger *slog.Logger

	metrics  Metrics
	tracer   trace.Tracer
	notifier Notifier
	sealer   *seal.Sealer
	now      func() time.Time

	queue      *dispatch.Queue
	presence   *presence.Registry
	rooms      *rooms.Registry
	history    *history.Buffer
	correlator *correlate.Correlator
	emitter    *events.Emitter
	stats      *stats

	topoMu  sync.RWMutex
	topo    *topology.Manager
	clients []*client.Client

	wake chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a fabric. Links are attached with Connect or UseTopology.
func New(cfg config.FabricConfig, opts ...Option) *Fabric {
	f := &Fabric{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cfg.ResponseTimeout <= 0 {
		f.cfg.ResponseTimeout = correlate.DefaultResponseTimeout
	}
	if f.cfg.AckTimeout <= 0 {
		f.cfg.AckTimeout = correlate.DefaultAckTimeout
	}
	if f.cfg.DrainInterval <= 0 {
		f.cfg.DrainInterval = 100 * time.Millisecond
	}
	if f.cfg.ParticipantID == "" {
		f.cfg.ParticipantID = message.SystemID
	}

	presenceOpts := []presence.Option{presence.WithClock(f.now)}
	if cfg.OnlineThreshold > 0 {
		presenceOpts = append(presenceOpts, presence.WithThreshold(cfg.OnlineThreshold))
	}

	f.queue = dispatch.New(cfg.DispatchLaneCapacity, f.logger)
	f.presence = presence.New(presenceOpts...)
	f.rooms = rooms.New()
	f.history = history.New(cfg.HistoryCapacity)
	f.correlator = correlate.New(cfg.MaxPendingResponses, correlate.WithRetention(cfg.ResponseTimeout))
	f.emitter = events.NewEmitter(f.logger)
	f.stats = newStats()

	if f.notifier != nil {
		f.notifier.Subscribe(f.emitter)
	}
	return f
}

// Connect dials the configured endpoint and backup URLs, one client per
// URL, and supervises them with a topology manager.
func (f *Fabric) Connect(dialer transport.Dialer) error {
	urls := append([]string{f.cfg.EndpointURL}, f.cfg.BackupURLs...)

	var members []topology.Member
	var clients []*client.Client
	for i, url := range urls {
		name := "primary"
		if i > 0 {
			name = fmt.Sprintf("backup-%d", i)
		}
		opts := client.NewOptions().
			SetName(name).
			SetURL(url).
			SetParticipantID(f.cfg.ParticipantID).
			SetToken(f.cfg.Token).
			SetMaxReconnectAttempts(f.cfg.MaxReconnectAttempts).
			SetReconnectBackoff(f.cfg.BaseBackoff, f.cfg.MaxBackoff).
			SetHeartbeat(f.cfg.HeartbeatInterval, f.cfg.OnlineThreshold).
			SetLogger(f.logger)
		if dialer != nil {
			opts.SetDialer(dialer)
		}
		f.LinkOptions(opts)

		c, err := client.New(opts)
		if err != nil {
			for _, c := range clients {
				_ = c.Disconnect()
			}
			return fmt.Errorf("link %s: %w", name, err)
		}
		clients = append(clients, c)
		members = append(members, topology.Member{Name: name, Link: c, Weight: 1})
	}

	topo, err := topology.New(topology.Config{
		ProbeInterval:    f.cfg.ProbeInterval,
		FailureThreshold: f.cfg.FailureThreshold,
		Logger:           f.logger,
		OnFailover:       f.HandleFailover,
	}, members[0], members[1:]...)
	if err != nil {
		for _, c := range clients {
			_ = c.Disconnect()
		}
		return err
	}

	if err := f.UseTopology(topo); err != nil {
		for _, c := range clients {
			_ = c.Disconnect()
		}
		return err
	}
	f.topoMu.Lock()
	f.clients = clients
	f.topoMu.Unlock()
	return nil
}

// UseTopology attaches an already built topology. Its OnFailover should
// call HandleFailover.
func (f *Fabric) UseTopology(topo *topology.Manager) error {
	f.topoMu.Lock()
	defer f.topoMu.Unlock()
	if f.topo != nil {
		return ErrTopologyExists
	}
	f.topo = topo
	return nil
}

// Topology returns the attached topology, or nil.
func (f *Fabric) Topology() *topology.Manager {
	f.topoMu.RLock()
	defer f.topoMu.RUnlock()
	return f.topo
}

// LinkOptions binds a client's callbacks to the fabric's events and
// inbound handling. It returns opts for chaining.
func (f *Fabric) LinkOptions(opts *client.Options) *client.Options {
	name := opts.Name
	return opts.
		SetOnConnect(func() {
			f.emitter.Emit(events.Connected{Link: name})
			f.kick()
		}).
		SetOnConnectionLost(func(err error) {
			f.emitter.Emit(events.Disconnected{Link: name, Reason: err.Error()})
		}).
		SetOnReconnecting(func(attempt int, delay time.Duration) {
			f.emitter.Emit(events.Reconnecting{Link: name, Attempt: attempt, DelayMs: delay.Milliseconds()})
		}).
		SetOnExhausted(func(attempts int) {
			f.emitter.Emit(events.Exhausted{Link: name, Attempts: attempts})
		}).
		SetOnMessage(f.HandleInbound).
		SetOnEnvelope(f.HandleEnvelope)
}

// Start launches the drain loop and topology probing.
func (f *Fabric) Start(ctx context.Context) error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.stopped {
		return ErrStopped
	}
	if f.cancel != nil {
		return nil
	}
	topo := f.Topology()
	if topo == nil {
		return ErrNoTopology
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	topo.Start(ctx)

	f.wg.Add(1)
	go f.drainLoop(ctx)

	f.logger.Info("fabric started",
		slog.String("participant", f.cfg.ParticipantID),
		slog.String("active", topo.Active()))
	return nil
}

// Stop ends background work, disconnects owned links and fails pending
// responses with correlate.ErrClosed.
func (f *Fabric) Stop() {
	f.runMu.Lock()
	if f.stopped {
		f.runMu.Unlock()
		return
	}
	f.stopped = true
	cancel := f.cancel
	f.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()

	if topo := f.Topology(); topo != nil {
		topo.Stop()
	}
	f.topoMu.RLock()
	clients := f.clients
	f.topoMu.RUnlock()
	for _, c := range clients {
		_ = c.Disconnect()
	}
	f.correlator.Close()

	if n := f.queue.Len(); n > 0 {
		f.logger.Warn("fabric stopped with undelivered messages", slog.Int("queued", n))
	}
	f.logger.Info("fabric stopped")
}

// On registers a handler for an event type.
func (f *Fabric) On(eventType string, h events.Handler) events.HandlerID {
	return f.emitter.On(eventType, h)
}

// Off removes a handler registered with On.
func (f *Fabric) Off(eventType string, id events.HandlerID) bool {
	return f.emitter.Off(eventType, id)
}

// HandleFailover records a topology switch and emits it.
func (f *Fabric) HandleFailover(from, to string) {
	f.stats.failovers.Add(1)
	f.metrics.Failover(from, to)
	f.emitter.Emit(events.Failover{From: from, To: to})
	f.kick()
}

// CreatePrivateChannel creates a private room for a and b and invites
// both on every endpoint link, so their connections join the room there.
// Messages sent with Outgoing.Room set to the returned name reach them.
func (f *Fabric) CreatePrivateChannel(a, b string) (string, error) {
	room, err := f.rooms.CreatePrivate(a, b)
	if err != nil {
		return "", err
	}

	f.topoMu.RLock()
	clients := f.clients
	f.topoMu.RUnlock()
	for _, c := range clients {
		if err := c.Invite(room, a, b); err != nil {
			f.logger.Debug("link invite deferred",
				slog.String("link", c.Name()),
				slog.String("room", room),
				slog.String("error", err.Error()))
		}
	}
	return room, nil
}

// JoinRoom adds participant to room.
func (f *Fabric) JoinRoom(participant, room string) error {
	if _, err := f.rooms.Join(participant, room); err != nil {
		return err
	}
	if participant == f.cfg.ParticipantID {
		f.joinLinks(room)
	}
	return nil
}

// LeaveRoom removes participant from room. Leaving does not touch presence.
func (f *Fabric) LeaveRoom(participant, room string) bool {
	left := f.rooms.Leave(participant, room)
	if participant == f.cfg.ParticipantID {
		f.topoMu.RLock()
		clients := f.clients
		f.topoMu.RUnlock()
		for _, c := range clients {
			_ = c.LeaveRoom(room)
		}
	}
	return left
}

// RoomMembers returns the members of room.
func (f *Fabric) RoomMembers(room string) []string {
	return f.rooms.Members(room)
}

// UpdatePresence records a participant's status.
func (f *Fabric) UpdatePresence(participant string, status presence.Status) presence.Record {
	rec := f.presence.Update(participant, status)
	f.emitter.Emit(events.PresenceUpdate{ParticipantID: participant, Status: string(status)})
	return rec
}

// GetPresence returns the participant's presence record.
func (f *Fabric) GetPresence(participant string) (presence.Record, bool) {
	return f.presence.Get(participant)
}

// ListOnline returns participants currently online.
func (f *Fabric) ListOnline() []presence.Record {
	return f.presence.ListOnline()
}

// GetHistory returns up to limit recent messages, oldest first.
func (f *Fabric) GetHistory(limit int) []message.Message {
	return f.history.Last(limit)
}

func (f *Fabric) joinLinks(room string) {
	f.topoMu.RLock()
	clients := f.clients
	f.topoMu.RUnlock()
	for _, c := range clients {
		if err := c.JoinRoom(room); err != nil {
			f.logger.Debug("link join deferred",
				slog.String("link", c.Name()),
				slog.String("room", room),
				slog.String("error", err.Error()))
		}
	}
}
