// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxmesh/client"
	"github.com/absmach/fluxmesh/config"
	"github.com/absmach/fluxmesh/endpoint"
	"github.com/absmach/fluxmesh/events"
	"github.com/absmach/fluxmesh/fabric"
	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agent(t *testing.T, net *transport.Network, addr, participant string) (*client.Client, chan message.Message) {
	t.Helper()
	inbox := make(chan message.Message, 16)
	connected := make(chan struct{}, 1)
	opts := client.NewOptions().
		SetName(participant).
		SetURL(addr).
		SetParticipantID(participant).
		SetDialer(net).
		SetHeartbeat(0, time.Minute).
		SetOnConnect(func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		}).
		SetOnMessage(func(msg message.Message) { inbox <- msg })

	c, err := client.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatalf("%s did not connect", participant)
	}
	return c, inbox
}

func TestFabricOverEndpoint(t *testing.T) {
	ep := endpoint.New("primary", endpoint.WithReapInterval(0))
	t.Cleanup(func() { _ = ep.Close() })
	net := transport.NewNetwork()
	addr := net.Register("primary", ep)

	cfg := config.Default().Fabric
	cfg.EndpointURL = addr
	cfg.BackupURLs = nil
	cfg.HeartbeatInterval = 0
	cfg.DrainInterval = 5 * time.Millisecond

	f := fabric.New(cfg)
	connected := make(chan struct{}, 1)
	f.On(events.TypeConnected, func(events.Event) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	inbound := make(chan message.Message, 4)
	f.On(events.TypeAgentMessage, func(ev events.Event) {
		inbound <- ev.(events.AgentMessage).Message
	})

	require.NoError(t, f.Connect(net))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Stop)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("fabric did not connect")
	}

	a, inboxA := agent(t, net, addr, "agent-a")
	_, inboxB := agent(t, net, addr, "agent-b")
	require.Eventually(t, func() bool { return ep.Stats().Connections == 3 }, time.Second, 5*time.Millisecond)

	id, err := f.Broadcast(context.Background(), message.SystemID, "shutdown at noon",
		message.KindNotification, message.PriorityCritical, nil)
	require.NoError(t, err)

	for name, inbox := range map[string]chan message.Message{"agent-a": inboxA, "agent-b": inboxB} {
		select {
		case got := <-inbox:
			assert.Equal(t, id, got.ID, name)
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the broadcast", name)
		}
	}
	hist := f.GetHistory(1)
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)

	// Queued traffic reaches agents through the drain loop.
	queued, err := f.Send(context.Background(), fabric.Outgoing{
		From: message.SystemID, To: "agent-b", Content: "low", Priority: message.PriorityLow,
	})
	require.NoError(t, err)
	select {
	case got := <-inboxB:
		assert.Equal(t, queued, got.ID)
	case <-time.After(time.Second):
		t.Fatal("queued message was not drained")
	}

	reply, err := message.New("agent-a", message.SystemID, "ok", message.KindResponse, message.PriorityHigh)
	require.NoError(t, err)
	reply.ResponseToID = id
	_, err = a.Send(reply)
	require.NoError(t, err)

	select {
	case got := <-inbound:
		assert.Equal(t, reply.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("fabric did not receive the reply")
	}
	rec, ok := f.GetPresence("agent-a")
	require.True(t, ok)
	assert.True(t, rec.Online(time.Now(), time.Minute))

	st := f.GetStats()
	assert.Equal(t, uint64(2), st.TotalMessages)
	assert.Equal(t, "primary", st.ActiveEndpoint)
	assert.True(t, st.ActiveHealthy)

	// Private channels carry traffic to both invited agents only.
	room, err := f.CreatePrivateChannel("agent-a", "agent-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ep.Rooms().Count(room) == 2 }, time.Second, 5*time.Millisecond)

	private, err := f.Send(context.Background(), fabric.Outgoing{
		From: message.SystemID, Room: room, Content: "psst", Priority: message.PriorityNormal,
	})
	require.NoError(t, err)
	for name, inbox := range map[string]chan message.Message{"agent-a": inboxA, "agent-b": inboxB} {
		select {
		case got := <-inbox:
			assert.Equal(t, private, got.ID, name)
			assert.Equal(t, room, got.Room, name)
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the private message", name)
		}
	}

	// Endpoint room confirmations for the fabric's own link are mirrored
	// into its room registry.
	link, ok := f.Topology().ActiveLink().(*client.Client)
	require.True(t, ok)
	require.NoError(t, link.JoinRoom("ops"))
	require.Eventually(t, func() bool {
		members := f.RoomMembers("ops")
		return len(members) == 1 && members[0] == message.SystemID
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, link.LeaveRoom("ops"))
	require.Eventually(t, func() bool { return len(f.RoomMembers("ops")) == 0 }, time.Second, 5*time.Millisecond)
}
