// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rooms implements the many-to-many membership of members into
// named rooms.
package rooms

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Fixed rooms always exist and are never removed.
const (
	System        = "system"
	Broadcast     = "broadcast"
	Notifications = "notifications"
	Performance   = "performance"
)

// Room name prefixes.
const (
	PrivatePrefix   = "private_"
	DedicatedPrefix = "agent_"
)

// Fixed lists the rooms that exist for the lifetime of a registry.
var Fixed = []string{System, Broadcast, Notifications, Performance}

// Room errors.
var (
	ErrEmptyRoom   = errors.New("room name cannot be empty")
	ErrEmptyMember = errors.New("member cannot be empty")
)

// Dedicated returns the room used for direct delivery to a participant.
func Dedicated(participantID string) string {
	return DedicatedPrefix + participantID
}

// IsFixed reports whether room is one of the fixed rooms.
func IsFixed(room string) bool {
	switch room {
	case System, Broadcast, Notifications, Performance:
		return true
	default:
		return false
	}
}

// IsPrivate reports whether room is an ad hoc private room.
func IsPrivate(room string) bool {
	return strings.HasPrefix(room, PrivatePrefix)
}

// Registry holds room memberships. Members are opaque strings: participant
// ids on the fabric, connection ids on an endpoint.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]struct{}
	members map[string]map[string]struct{}
}

// New creates a registry containing the fixed rooms.
func New() *Registry {
	r := &Registry{
		rooms:   make(map[string]map[string]struct{}),
		members: make(map[string]map[string]struct{}),
	}
	for _, room := range Fixed {
		r.rooms[room] = make(map[string]struct{})
	}
	return r
}

// Join adds member to room, creating the room if needed.
// Joining a room twice is a no-op; the result reports whether it was new.
func (r *Registry) Join(member, room string) (bool, error) {
	if room == "" {
		return false, ErrEmptyRoom
	}
	if member == "" {
		return false, ErrEmptyMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[room] = set
	}
	if _, ok := set[member]; ok {
		return false, nil
	}
	set[member] = struct{}{}

	held, ok := r.members[member]
	if !ok {
		held = make(map[string]struct{})
		r.members[member] = held
	}
	held[room] = struct{}{}
	return true, nil
}

// Leave removes member from room. Leaving a room one is not in is a no-op.
// Ad hoc rooms are removed once empty.
func (r *Registry) Leave(member, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(member, room)
}

// LeaveAll removes member from every room and returns the rooms it held.
func (r *Registry) LeaveAll(member string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := sortedKeys(r.members[member])
	for _, room := range held {
		r.leave(member, room)
	}
	return held
}

func (r *Registry) leave(member, room string) bool {
	set, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := set[member]; !ok {
		return false
	}
	delete(set, member)
	if len(set) == 0 && !IsFixed(room) {
		delete(r.rooms, room)
	}

	if held, ok := r.members[member]; ok {
		delete(held, room)
		if len(held) == 0 {
			delete(r.members, member)
		}
	}
	return true
}

// Members returns the members of room, ordered.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// Count returns the number of members of room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// IsMember reports whether member is in room.
func (r *Registry) IsMember(member, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][member]
	return ok
}

// RoomsOf returns the rooms member belongs to, ordered.
func (r *Registry) RoomsOf(member string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[member])
}

// Exists reports whether room exists.
func (r *Registry) Exists(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

// Rooms returns every existing room, ordered.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// CreatePrivate creates a private room holding a and b.
// The room disappears when both have left.
func (r *Registry) CreatePrivate(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrEmptyMember
	}
	room := PrivatePrefix + uuid.NewString()
	if _, err := r.Join(a, room); err != nil {
		return "", err
	}
	if _, err := r.Join(b, room); err != nil {
		return "", err
	}
	return room, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
