// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles endpoint connections per IP and inbound
// traffic per participant.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/message"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter allowing r connections per second
// with the given burst. Entries unused for two cleanup intervals are dropped.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
// Addresses without an extractable IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pruneStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) pruneStale(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-2 * l.cleanup)
	n := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ParticipantRateLimiter limits inbound messages and room joins per
// participant. Critical and high priority messages are never throttled.
type ParticipantRateLimiter struct {
	mu           sync.Mutex
	messages     map[string]*rate.Limiter
	joins        map[string]*rate.Limiter
	messageRate  rate.Limit
	messageBurst int
	joinRate     rate.Limit
	joinBurst    int
}

// NewParticipantRateLimiter creates a participant limiter.
func NewParticipantRateLimiter(messageRate float64, messageBurst int, joinRate float64, joinBurst int) *ParticipantRateLimiter {
	return &ParticipantRateLimiter{
		messages:     make(map[string]*rate.Limiter),
		joins:        make(map[string]*rate.Limiter),
		messageRate:  rate.Limit(messageRate),
		messageBurst: messageBurst,
		joinRate:     rate.Limit(joinRate),
		joinBurst:    joinBurst,
	}
}

// AllowMessage reports whether a message of priority p from participantID
// may be routed.
func (l *ParticipantRateLimiter) AllowMessage(participantID string, p message.Priority) bool {
	if p.Urgent() {
		return true
	}
	return l.limiter(l.messages, participantID, l.messageRate, l.messageBurst).Allow()
}

// AllowJoin reports whether a room join from participantID may proceed.
func (l *ParticipantRateLimiter) AllowJoin(participantID string) bool {
	return l.limiter(l.joins, participantID, l.joinRate, l.joinBurst).Allow()
}

// Remove drops the limiters of a participant.
func (l *ParticipantRateLimiter) Remove(participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messages, participantID)
	delete(l.joins, participantID)
}

func (l *ParticipantRateLimiter) limiter(set map[string]*rate.Limiter, id string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := set[id]
	if !ok {
		lim = rate.NewLimiter(r, burst)
		set[id] = lim
	}
	return lim
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
	Join       JoinConfig       `yaml:"join"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// MessageConfig holds per-participant normal and low priority message limits.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per participant
	Burst   int     `yaml:"burst"` // burst allowance
}

// JoinConfig holds per-participant room join limits.
type JoinConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // joins per second per participant
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    500,
			Burst:   100,
		},
		Join: JoinConfig{
			Enabled: true,
			Rate:    20,
			Burst:   10,
		},
	}
}

// Manager coordinates all rate limiters. A nil or disabled Manager allows
// everything.
type Manager struct {
	config      Config
	ip          *IPRateLimiter
	participant *ParticipantRateLimiter
	disabled    bool
}

// NewManager creates a rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled || cfg.Join.Enabled {
		m.participant = NewParticipantRateLimiter(cfg.Message.Rate, cfg.Message.Burst, cfg.Join.Rate, cfg.Join.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr is allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowMessage reports whether an inbound message may be routed.
func (m *Manager) AllowMessage(participantID string, p message.Priority) bool {
	if m == nil || m.disabled || m.participant == nil || !m.config.Message.Enabled {
		return true
	}
	return m.participant.AllowMessage(participantID, p)
}

// AllowJoin reports whether a room join may proceed.
func (m *Manager) AllowJoin(participantID string) bool {
	if m == nil || m.disabled || m.participant == nil || !m.config.Join.Enabled {
		return true
	}
	return m.participant.AllowJoin(participantID)
}

// OnDisconnect releases the limiters of a participant.
func (m *Manager) OnDisconnect(participantID string) {
	if m == nil || m.disabled || m.participant == nil {
		return
	}
	m.participant.Remove(participantID)
}

// Stop releases background resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
