// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks the last known liveness state of participants.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultOnlineThreshold is how long a participant stays online without traffic.
const DefaultOnlineThreshold = 60 * time.Second

// ErrUnknownStatus is returned for status values outside the known set.
var ErrUnknownStatus = errors.New("unknown presence status")

// Status is the declared state of a participant.
type Status string

// Presence statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// ParseStatus parses a presence status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusOffline, StatusBusy:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Record is the presence state of one participant.
type Record struct {
	ParticipantID string    `json:"participantId"`
	Status        Status    `json:"status"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// Online reports whether the record counts as online at now.
func (r Record) Online(now time.Time, threshold time.Duration) bool {
	return r.Status == StatusOnline && now.Sub(r.LastSeenAt) < threshold
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithThreshold sets the online threshold.
func WithThreshold(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.threshold = d
		}
	}
}

// Registry is the sole owner of presence records.
// Membership in rooms is tracked separately and does not affect presence.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]Record
	threshold time.Duration
	now       func() time.Time
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[string]Record),
		threshold: DefaultOnlineThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update sets the status of a participant and refreshes LastSeenAt.
func (r *Registry) Update(id string, status Status) Record {
	rec := Record{ParticipantID: id, Status: status, LastSeenAt: r.now()}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	return rec
}

// Touch marks a participant online because traffic was seen from it.
func (r *Registry) Touch(id string) Record {
	return r.Update(id, StatusOnline)
}

// Get returns the record of a participant.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// IsOnline evaluates the online predicate for a participant.
func (r *Registry) IsOnline(id string) bool {
	rec, ok := r.Get(id)
	return ok && rec.Online(r.now(), r.threshold)
}

// ListOnline returns participants that are online right now, ordered by id.
// The predicate is evaluated on every call; nothing is cached.
func (r *Registry) ListOnline() []Record {
	now := r.now()

	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Online(now, r.threshold) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// All returns every known record, ordered by id.
func (r *Registry) All() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Remove forgets a participant.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// Threshold returns the online threshold.
func (r *Registry) Threshold() time.Duration {
	return r.threshold
}
