// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topology supervises a primary link and its backups, probes their
// health and moves the active pointer when the active link degrades.
//
// The Manager is the only writer of the active pointer. Traffic already
// handed to a link that later fails is not retried here; callers that need
// delivery guarantees rely on response correlation and resubmit.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/sony/gobreaker"
)

const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultBreakerTimeout   = 10 * time.Second
)

var (
	ErrNoPrimary       = errors.New("topology: primary link is required")
	ErrDuplicateMember = errors.New("topology: duplicate member name")
	ErrUnknownMember   = errors.New("topology: unknown member")
	ErrInvalidWeight   = errors.New("topology: weight must be >= 1")
	ErrPrimaryDown     = errors.New("topology: primary is not healthy")
	ErrCircuitOpen     = errors.New("topology: circuit open")
)

// Link is one supervised transport path. client.Client satisfies it.
type Link interface {
	Name() string
	IsHealthy() bool
	RTT() time.Duration
	Transmit(msg message.Message) error
}

// Member binds a Link to a selection weight.
type Member struct {
	Name   string
	Link   Link
	Weight int
}

// Health is the circuit/health record of one member.
type Health struct {
	Name                string    `json:"name"`
	Primary             bool      `json:"primary"`
	Active              bool      `json:"active"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LatencyMs           int64     `json:"latency_ms"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	Circuit             string    `json:"circuit"`
	Weight              int       `json:"weight"`
}

// Config holds manager tuning.
type Config struct {
	ProbeInterval    time.Duration
	FailureThreshold int
	// BreakerTimeout is how long an open traffic circuit stays open
	// before letting a trial request through.
	BreakerTimeout time.Duration
	Logger         *slog.Logger
	// OnFailover is called after the active pointer moves.
	OnFailover func(from, to string)
}

type member struct {
	name    string
	link    Link
	weight  int
	current int
	breaker *gobreaker.CircuitBreaker
	health  Health
}

// Manager supervises the topology.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	members []*member
	byName  map[string]*member

	mu     sync.RWMutex
	active *member

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager whose active member is primary.
func New(cfg Config, primary Member, backups ...Member) (*Manager, error) {
	if primary.Link == nil {
		return nil, ErrNoPrimary
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		byName: make(map[string]*member),
	}
	for i, def := range append([]Member{primary}, backups...) {
		if def.Link == nil {
			return nil, fmt.Errorf("member %q: %w", def.Name, ErrNoPrimary)
		}
		name := def.Name
		if name == "" {
			name = def.Link.Name()
		}
		if _, ok := m.byName[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, name)
		}
		weight := def.Weight
		if weight == 0 {
			weight = 1
		}
		if weight < 1 {
			return nil, fmt.Errorf("member %q: %w", name, ErrInvalidWeight)
		}
		mb := &member{
			name:   name,
			link:   def.Link,
			weight: weight,
			health: Health{Name: name, Primary: i == 0, Healthy: true, Weight: weight},
		}
		mb.breaker = m.newBreaker(name)
		m.members = append(m.members, mb)
		m.byName[name] = mb
	}
	m.active = m.members[0]

	return m, nil
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := uint32(m.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn("topology circuit breaker state changed",
				slog.String("member", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if to == gobreaker.StateOpen {
				// Called from inside Execute; failover must not block the sender.
				go m.circuitOpened(name)
			}
		},
	})
}

// Start launches the probe loop.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeNow()
			}
		}
	}()
	m.logger.Info("topology probing started",
		slog.Duration("interval", m.cfg.ProbeInterval),
		slog.Int("members", len(m.members)))
}

// Stop ends the probe loop and waits for it.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// ProbeNow checks every member once and fails over if the active member
// crossed the failure threshold.
func (m *Manager) ProbeNow() {
	now := time.Now()

	m.mu.Lock()
	for _, mb := range m.members {
		healthy := mb.link.IsHealthy()
		mb.health.LastCheckedAt = now
		mb.health.LatencyMs = mb.link.RTT().Milliseconds()
		if healthy {
			mb.health.Healthy = true
			mb.health.ConsecutiveFailures = 0
			continue
		}
		mb.health.Healthy = false
		mb.health.ConsecutiveFailures++
	}
	var from, to string
	if m.active.health.ConsecutiveFailures > m.cfg.FailureThreshold {
		from, to = m.failoverLocked("health probe")
	}
	m.mu.Unlock()

	m.notify(from, to)
}

// Send transmits msg through the active member's circuit and records the
// outcome in its health record.
func (m *Manager) Send(msg message.Message) error {
	m.mu.RLock()
	mb := m.active
	m.mu.RUnlock()

	_, err := mb.breaker.Execute(func() (interface{}, error) {
		return nil, mb.link.Transmit(msg)
	})

	m.mu.Lock()
	switch {
	case err == nil:
		mb.health.ConsecutiveFailures = 0
		mb.health.Healthy = true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%s: %w", mb.name, ErrCircuitOpen)
	default:
		mb.health.ConsecutiveFailures++
	}
	m.mu.Unlock()

	return err
}

// Active returns the active member name.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.name
}

// ActiveLink returns the active link.
func (m *Manager) ActiveLink() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.link
}

// ActiveHealthy reports whether the active link is currently healthy.
func (m *Manager) ActiveHealthy() bool {
	return m.ActiveLink().IsHealthy()
}

// Health returns a snapshot of every member's record, primary first.
func (m *Manager) Health() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Health, 0, len(m.members))
	for _, mb := range m.members {
		h := mb.health
		h.Active = mb == m.active
		h.Weight = mb.weight
		h.Circuit = mb.breaker.State().String()
		out = append(out, h)
	}
	return out
}

// Links returns every supervised link, primary first.
func (m *Manager) Links() []Link {
	out := make([]Link, 0, len(m.members))
	for _, mb := range m.members {
		out = append(out, mb.link)
	}
	return out
}

// SwitchToPrimary makes the primary active if it currently reports healthy.
func (m *Manager) SwitchToPrimary() error {
	m.mu.Lock()
	primary := m.members[0]
	if !primary.link.IsHealthy() {
		m.mu.Unlock()
		return ErrPrimaryDown
	}
	from := m.active.name
	if m.active == primary {
		m.mu.Unlock()
		return nil
	}
	m.active = primary
	primary.health.Healthy = true
	primary.health.ConsecutiveFailures = 0
	m.mu.Unlock()

	m.logger.Info("switched to primary", slog.String("from", from), slog.String("to", primary.name))
	m.notify(from, primary.name)
	return nil
}

// SetWeight changes a member's selection weight.
func (m *Manager) SetWeight(name string, w int) error {
	if w < 1 {
		return ErrInvalidWeight
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	mb.weight = w
	mb.current = 0
	return nil
}

func (m *Manager) circuitOpened(name string) {
	m.mu.Lock()
	var from, to string
	if m.active.name == name {
		m.active.health.Healthy = false
		from, to = m.failoverLocked("circuit open")
	}
	m.mu.Unlock()
	m.notify(from, to)
}

// failoverLocked moves the active pointer to the next healthy member picked
// by smooth weighted round-robin. m.mu must be held.
func (m *Manager) failoverLocked(reason string) (string, string) {
	next := m.pickLocked()
	if next == nil {
		m.logger.Warn("failover skipped: no healthy member",
			slog.String("active", m.active.name),
			slog.String("reason", reason))
		return "", ""
	}
	from := m.active.name
	m.active = next
	m.logger.Warn("failover",
		slog.String("from", from),
		slog.String("to", next.name),
		slog.String("reason", reason))
	return from, next.name
}

func (m *Manager) pickLocked() *member {
	var (
		best  *member
		total int
	)
	for _, mb := range m.members {
		if mb == m.active || !mb.link.IsHealthy() || mb.breaker.State() == gobreaker.StateOpen {
			continue
		}
		mb.current += mb.weight
		total += mb.weight
		if best == nil || mb.current > best.current {
			best = mb
		}
	}
	if best != nil {
		best.current -= total
	}
	return best
}

func (m *Manager) notify(from, to string) {
	if to == "" || m.cfg.OnFailover == nil {
		return
	}
	m.cfg.OnFailover(from, to)
}
