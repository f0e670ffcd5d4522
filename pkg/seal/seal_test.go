// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"testing"

	"github.com/absmach/fluxmesh/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func newMessage(t *testing.T, content any) message.Message {
	t.Helper()
	msg, err := message.New("agent-1", "agent-2", content, message.KindCommand, message.PriorityHigh)
	require.NoError(t, err)
	return msg
}

func TestSealOpen(t *testing.T) {
	s, err := New(secret)
	require.NoError(t, err)

	msg := newMessage(t, map[string]any{"op": "deploy", "replicas": 3})

	sealed, err := s.Seal(msg)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.False(t, IsSealed(msg), "original must not be modified")
	assert.NotContains(t, string(sealed.Content), "deploy")
	require.NoError(t, sealed.Validate())

	again, err := s.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed.Content, again.Content)

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg.Content), string(opened.Content))
	assert.False(t, IsSealed(opened))
	assert.Nil(t, opened.Metadata)
}

func TestOpenRejects(t *testing.T) {
	s, err := New(secret)
	require.NoError(t, err)

	msg := newMessage(t, "hello")
	_, err = s.Open(msg)
	assert.ErrorIs(t, err, ErrNotSealed)

	sealed, err := s.Seal(msg)
	require.NoError(t, err)

	other, err := New([]byte("another secret with enough bytes"))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	moved := sealed.Clone()
	moved.ID = message.NewID()
	_, err = s.Open(moved)
	assert.ErrorIs(t, err, ErrOpen)

	broken := sealed.Clone()
	broken.Content = []byte(`"not base64!"`)
	_, err = s.Open(broken)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestShortSecret(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrShortSecret)
}
