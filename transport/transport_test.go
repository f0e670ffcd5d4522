// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoAcceptor struct{}

func (echoAcceptor) ServeConn(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return err
		}
		if env.Type == message.TypeHeartbeat {
			env = message.HeartbeatAck(env.ID)
		}
		if err := conn.WriteEnvelope(env); err != nil {
			return err
		}
	}
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe("a", "b")

	require.NoError(t, a.WriteEnvelope(message.Heartbeat("1")))
	env, err := b.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, message.TypeHeartbeat, env.Type)
	assert.Equal(t, "1", env.ID)
	assert.Equal(t, "a", b.RemoteAddr().String())

	require.NoError(t, b.Close())
	_, err = a.ReadEnvelope()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteEnvelope(message.Heartbeat("2")), ErrClosed)
}

func TestPipeDeliversBufferedBeforeClose(t *testing.T) {
	a, b := Pipe("a", "b")

	require.NoError(t, a.WriteEnvelope(message.Heartbeat("1")))
	require.NoError(t, a.Close())

	env, err := b.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "1", env.ID)

	_, err = b.ReadEnvelope()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNetworkDial(t *testing.T) {
	n := NewNetwork()
	addr := n.Register("primary", echoAcceptor{})
	assert.Equal(t, "inproc://primary", addr)

	conn, err := n.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteEnvelope(message.Heartbeat("hb")))
	env, err := conn.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, message.TypeHeartbeatAck, env.Type)
	assert.Equal(t, "hb", env.ID)

	n.SetDown("primary", true)
	_, err = n.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = n.Dial(context.Background(), "inproc://missing")
	assert.ErrorIs(t, err, ErrNoAcceptor)
	assert.Equal(t, 2, n.Dials("primary"))
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws, r.RemoteAddr, time.Second)
		defer conn.Close()
		_ = echoAcceptor{}.ServeConn(r.Context(), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WSDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := message.New("a", "b", "over the wire", message.KindData, message.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, conn.WriteEnvelope(message.AgentMessage(msg)))

	env, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.NotNil(t, env.Message)
	assert.Equal(t, msg.ID, env.Message.ID)
	assert.Equal(t, message.PriorityHigh, env.Message.Priority)
}

func TestWebsocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := WSDialer{}.Dial(ctx, "ws://127.0.0.1:1/fabric")
	assert.Error(t, err)
}
