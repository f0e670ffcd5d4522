// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/topology"
)

// latencyAlpha weights the newest sample of the latency moving average.
const latencyAlpha = 0.2

// Stats is a snapshot of fabric counters.
type Stats struct {
	TotalMessages        uint64            `json:"total_messages"`
	CriticalMessages     uint64            `json:"critical_messages"`
	HighPriorityMessages uint64            `json:"high_priority_messages"`
	FailedMessages       uint64            `json:"failed_messages"`
	Failovers            uint64            `json:"failovers"`
	AverageLatency       time.Duration     `json:"average_latency_ns"`
	Queued               int               `json:"queued"`
	QueuedByPriority     map[string]int    `json:"queued_by_priority"`
	PendingResponses     int               `json:"pending_responses"`
	HistorySize          int               `json:"history_size"`
	OnlineParticipants   int               `json:"online_participants"`
	ActiveEndpoint       string            `json:"active_endpoint"`
	ActiveHealthy        bool              `json:"active_healthy"`
	Endpoints            []topology.Health `json:"endpoints"`
}

type stats struct {
	total    atomic.Uint64
	critical atomic.Uint64
	high     atomic.Uint64
	failed   atomic.Uint64

	failovers atomic.Uint64

	latencyMu sync.Mutex
	latency   float64
	samples   uint64
}

func newStats() *stats {
	return &stats{}
}

func (s *stats) count(p message.Priority) {
	s.total.Add(1)
	switch p {
	case message.PriorityCritical:
		s.critical.Add(1)
	case message.PriorityHigh:
		s.high.Add(1)
	}
}

// observeLatency folds d into an exponential moving average. The first
// sample seeds the average.
func (s *stats) observeLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if s.samples == 0 {
		s.latency = float64(d)
	} else {
		s.latency = latencyAlpha*float64(d) + (1-latencyAlpha)*s.latency
	}
	s.samples++
}

func (s *stats) averageLatency() time.Duration {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	return time.Duration(s.latency)
}

// GetStats returns current counters together with queue, correlation and
// topology state.
func (f *Fabric) GetStats() Stats {
	st := Stats{
		TotalMessages:        f.stats.total.Load(),
		CriticalMessages:     f.stats.critical.Load(),
		HighPriorityMessages: f.stats.high.Load(),
		FailedMessages:       f.stats.failed.Load(),
		Failovers:            f.stats.failovers.Load(),
		AverageLatency:       f.stats.averageLatency(),
		Queued:               f.queue.Len(),
		QueuedByPriority:     make(map[string]int, message.NumPriorities),
		PendingResponses:     f.correlator.Len(),
		HistorySize:          f.history.Len(),
		OnlineParticipants:   len(f.presence.ListOnline()),
	}
	for _, p := range message.Priorities {
		st.QueuedByPriority[p.String()] = f.queue.LaneLen(p)
	}
	if topo := f.Topology(); topo != nil {
		st.ActiveEndpoint = topo.Active()
		st.ActiveHealthy = topo.ActiveHealthy()
		st.Endpoints = topo.Health()
	}
	return st
}
