// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedRoomsAlwaysExist(t *testing.T) {
	r := New()
	for _, room := range Fixed {
		assert.True(t, r.Exists(room), room)
	}

	_, err := r.Join("a", System)
	require.NoError(t, err)
	r.Leave("a", System)

	assert.True(t, r.Exists(System))
	assert.Empty(t, r.Members(System))
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := New()

	added, err := r.Join("a", "ops")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Join("a", "ops")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, r.Count("ops"))

	assert.True(t, r.Leave("a", "ops"))
	assert.False(t, r.Leave("a", "ops"))
	assert.False(t, r.Leave("nobody", "missing"))
}

func TestAdHocRoomRemovedWhenEmpty(t *testing.T) {
	r := New()

	_, err := r.Join("a", "ops")
	require.NoError(t, err)
	_, err = r.Join("b", "ops")
	require.NoError(t, err)

	r.Leave("a", "ops")
	assert.True(t, r.Exists("ops"))
	r.Leave("b", "ops")
	assert.False(t, r.Exists("ops"))
}

func TestCreatePrivate(t *testing.T) {
	r := New()

	room, err := r.CreatePrivate("a", "b")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(room, PrivatePrefix))
	assert.True(t, IsPrivate(room))
	assert.Equal(t, []string{"a", "b"}, r.Members(room))

	r.Leave("a", room)
	assert.True(t, r.Exists(room))
	r.Leave("b", room)
	assert.False(t, r.Exists(room))

	_, err = r.CreatePrivate("a", "")
	assert.ErrorIs(t, err, ErrEmptyMember)
}

func TestLeaveAll(t *testing.T) {
	r := New()
	for _, room := range []string{System, "ops", Dedicated("a")} {
		_, err := r.Join("a", room)
		require.NoError(t, err)
	}
	_, err := r.Join("b", "ops")
	require.NoError(t, err)

	held := r.LeaveAll("a")
	assert.ElementsMatch(t, []string{System, "ops", "agent_a"}, held)
	assert.Empty(t, r.RoomsOf("a"))
	assert.False(t, r.Exists(Dedicated("a")))
	assert.Equal(t, []string{"b"}, r.Members("ops"))
}

func TestJoinValidation(t *testing.T) {
	r := New()
	_, err := r.Join("a", "")
	assert.ErrorIs(t, err, ErrEmptyRoom)
	_, err = r.Join("", "ops")
	assert.ErrorIs(t, err, ErrEmptyMember)
}
