// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/google/uuid"
)

// ReapResult reports what one reaping pass did.
type ReapResult struct {
	Probed       int
	Disconnected int
}

func (e *Endpoint) reapLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Reap()
		}
	}
}

// Reap probes connections idle for longer than the probe threshold and
// disconnects those idle for longer than the timeout, releasing their rooms.
func (e *Endpoint) Reap() ReapResult {
	now := e.now()

	e.mu.RLock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	var res ReapResult
	for _, c := range conns {
		idle := now.Sub(time.Unix(0, c.lastActivity.Load()))
		switch {
		case idle >= e.idleTimeout:
			if e.Disconnect(c.id, ReasonIdle) {
				e.reaped.Add(1)
				res.Disconnected++
			}
		case idle >= e.idleProbe && c.probed.CompareAndSwap(false, true):
			e.deliver(c, message.Heartbeat(uuid.NewString()))
			res.Probed++
		}
	}

	if res.Probed > 0 || res.Disconnected > 0 {
		e.logger.Debug("idle connections reaped",
			slog.Int("probed", res.Probed),
			slog.Int("disconnected", res.Disconnected))
	}
	return res
}
