// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/rooms"
)

// Invite joins every current and future connection of members to the
// private room.
func (e *Endpoint) Invite(room string, members ...string) error {
	return e.invite(room, members)
}

func (e *Endpoint) invite(room string, members []string) error {
	if !rooms.IsPrivate(room) {
		return fmt.Errorf("%w: %q", ErrNotPrivate, room)
	}

	e.invMu.Lock()
	for _, m := range members {
		if m == "" {
			continue
		}
		set, ok := e.invites[m]
		if !ok {
			set = make(map[string]struct{})
			e.invites[m] = set
		}
		set[room] = struct{}{}
	}
	e.invMu.Unlock()

	for _, m := range members {
		if m == "" {
			continue
		}
		for _, id := range e.ConnectionsOf(m) {
			e.joinInvited(id, room)
		}
	}
	return nil
}

func (e *Endpoint) joinInvited(connID, room string) {
	c, ok := e.Connection(connID)
	if !ok || e.rooms.IsMember(connID, room) {
		return
	}
	if _, err := e.rooms.Join(connID, room); err != nil {
		e.logger.Warn("invite join failed",
			slog.String("connection_id", connID),
			slog.String("room", room),
			slog.String("error", err.Error()))
		return
	}
	e.deliver(c, roomReply(message.TypeRoomJoined, room, c))
}

// invitedRooms returns the private rooms participantID was invited to.
func (e *Endpoint) invitedRooms(participantID string) []string {
	e.invMu.Lock()
	defer e.invMu.Unlock()

	set := e.invites[participantID]
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (e *Endpoint) revokeInvite(participantID, room string) {
	e.invMu.Lock()
	defer e.invMu.Unlock()

	set, ok := e.invites[participantID]
	if !ok {
		return
	}
	delete(set, room)
	if len(set) == 0 {
		delete(e.invites, participantID)
	}
}
