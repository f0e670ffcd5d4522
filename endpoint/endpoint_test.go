// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/ratelimit"
	"github.com/absmach/fluxmesh/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEndpoint(t *testing.T, opts ...Option) *Endpoint {
	t.Helper()
	opts = append([]Option{WithReapInterval(0)}, opts...)
	e := New("primary", opts...)
	t.Cleanup(func() { e.Close() })
	return e
}

func accept(t *testing.T, e *Endpoint, participant string) *Connection {
	t.Helper()
	id, err := e.AcceptConnection(participant)
	require.NoError(t, err)
	c, ok := e.Connection(id)
	require.True(t, ok)
	return c
}

// drain returns every envelope currently queued for c.
func drain(c *Connection) []*message.Envelope {
	var out []*message.Envelope
	for {
		select {
		case env := <-c.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func messagesOf(envs []*message.Envelope) []message.Message {
	var out []message.Message
	for _, env := range envs {
		if env.Message != nil {
			out = append(out, *env.Message)
		}
	}
	return out
}

func newMsg(t *testing.T, from, to string, p message.Priority) message.Message {
	t.Helper()
	msg, err := message.New(from, to, "payload", message.KindData, p)
	require.NoError(t, err)
	return msg
}

func TestAcceptJoinsDefaultRooms(t *testing.T) {
	e := newEndpoint(t)
	c := accept(t, e, "agent-1")

	assert.ElementsMatch(t,
		[]string{rooms.System, rooms.Broadcast, rooms.Dedicated("agent-1")},
		e.Rooms().RoomsOf(c.ID()))
	assert.Equal(t, "agent-1", c.ParticipantID())
	assert.True(t, e.Presence().IsOnline("agent-1"))

	anon := accept(t, e, "")
	assert.NotEmpty(t, anon.ParticipantID())
	assert.Equal(t, 2, e.Stats().Connections)
}

func TestCriticalBroadcastReachesSystemMembers(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "agent-a")
	b := accept(t, e, "agent-b")

	msg := newMsg(t, message.SystemID, "", message.PriorityCritical)
	n := e.Route(msg, "", "")
	assert.Equal(t, 2, n)

	for _, c := range []*Connection{a, b} {
		got := messagesOf(drain(c))
		require.Len(t, got, 1)
		assert.Equal(t, msg.ID, got[0].ID)
	}
}

func TestCriticalDirectIsMirroredToSystem(t *testing.T) {
	e := newEndpoint(t)
	target := accept(t, e, "target")
	observer := accept(t, e, "observer")
	other := accept(t, e, "other")
	require.NoError(t, e.LeaveRoom(other.ID(), rooms.System))

	msg := newMsg(t, "sender", "target", message.PriorityCritical)
	n := e.Route(msg, "", "")

	// The target is both in its dedicated room and in system; it is
	// delivered once.
	assert.Equal(t, 2, n)
	assert.Len(t, messagesOf(drain(target)), 1)
	assert.Len(t, messagesOf(drain(observer)), 1)
	assert.Empty(t, drain(other))
}

func TestHighPriorityRouting(t *testing.T) {
	e := newEndpoint(t)
	target := accept(t, e, "target")
	observer := accept(t, e, "observer")

	n := e.Route(newMsg(t, "sender", "target", message.PriorityHigh), "", "")
	assert.Equal(t, 1, n)
	assert.Len(t, drain(target), 1)
	assert.Empty(t, drain(observer), "high priority is not mirrored")

	require.NoError(t, e.LeaveRoom(observer.ID(), rooms.Broadcast))
	n = e.Route(newMsg(t, "sender", "", message.PriorityHigh), "", "")
	assert.Equal(t, 2, n, "high without target is a full broadcast")
}

func TestStandardPriorityRouting(t *testing.T) {
	e := newEndpoint(t)
	target := accept(t, e, "target")
	observer := accept(t, e, "observer")
	require.NoError(t, e.LeaveRoom(observer.ID(), rooms.Broadcast))

	for _, p := range []message.Priority{message.PriorityNormal, message.PriorityLow} {
		n := e.Route(newMsg(t, "sender", "target", p), "", "")
		assert.Equal(t, 1, n)
		assert.Len(t, drain(target), 1)
		assert.Empty(t, drain(observer))

		n = e.Route(newMsg(t, "sender", "", p), "", "")
		assert.Equal(t, 1, n, "standard broadcast only reaches the broadcast room")
		assert.Len(t, drain(target), 1)
		assert.Empty(t, drain(observer))
	}
}

func TestOriginExcludedAndEmptyRoom(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	b := accept(t, e, "b")

	n := e.Route(newMsg(t, "a", "", message.PriorityNormal), "", a.ID())
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)

	assert.Equal(t, 0, e.SendToRoom("nobody-here", newMsg(t, "a", "", message.PriorityLow)))
	assert.Equal(t, 0, e.Route(newMsg(t, "a", "ghost", message.PriorityHigh), "", ""))

	require.NoError(t, e.JoinRoom(b.ID(), "ops"))
	assert.Equal(t, 1, e.SendToRoom("ops", newMsg(t, "a", "", message.PriorityLow)))
	assert.Equal(t, 2, e.Broadcast(newMsg(t, "a", "", message.PriorityLow)))
}

func TestExplicitRoomRouting(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	b := accept(t, e, "b")
	observer := accept(t, e, "observer")
	require.NoError(t, e.JoinRoom(a.ID(), "ops"))
	require.NoError(t, e.JoinRoom(b.ID(), "ops"))

	n := e.Route(newMsg(t, "a", "", message.PriorityCritical), "ops", a.ID())
	assert.Equal(t, 2, n, "room member plus system mirror, origin excluded")
	assert.Len(t, drain(b), 1)
	assert.Len(t, drain(observer), 1)
	assert.Empty(t, drain(a))

	assert.ErrorIs(t, e.JoinRoom("missing", "ops"), ErrUnknownConnection)
}

func TestIdleReaping(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newEndpoint(t, WithClock(clk.Now))

	idle := accept(t, e, "idle")
	active := accept(t, e, "active")
	require.NoError(t, e.JoinRoom(idle.ID(), "ops"))

	clk.Advance(61 * time.Second)
	require.NoError(t, e.HandleInbound(active.ID(), message.Heartbeat("hb")))

	res := e.Reap()
	assert.Equal(t, 1, res.Probed)
	envs := drain(idle)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeHeartbeat, envs[0].Type)

	// A second pass does not probe again.
	assert.Equal(t, 0, e.Reap().Probed)

	clk.Advance(240 * time.Second)
	res = e.Reap()
	assert.Equal(t, 1, res.Disconnected)

	_, ok := e.Connection(idle.ID())
	assert.False(t, ok)
	assert.Empty(t, e.Rooms().RoomsOf(idle.ID()))
	assert.False(t, e.Rooms().Exists("ops"))
	assert.False(t, e.Rooms().Exists(rooms.Dedicated("idle")))
	assert.Equal(t, uint64(1), e.Stats().Reaped)

	select {
	case <-idle.Done():
	default:
		t.Fatal("reaped connection should be closed")
	}

	_, ok = e.Connection(active.ID())
	assert.True(t, ok)
}

func TestInboundActivityResetsProbe(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	e := newEndpoint(t, WithClock(clk.Now))
	c := accept(t, e, "a")

	clk.Advance(70 * time.Second)
	assert.Equal(t, 1, e.Reap().Probed)
	drain(c)

	require.NoError(t, e.HandleInbound(c.ID(), message.HeartbeatAck("probe")))
	clk.Advance(250 * time.Second)
	res := e.Reap()
	assert.Equal(t, 0, res.Disconnected)
	assert.Equal(t, 1, res.Probed)
}

func TestInboundProtocol(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	b := accept(t, e, "b")

	require.NoError(t, e.HandleInbound(a.ID(), message.Heartbeat("hb-1")))
	envs := drain(a)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeHeartbeatAck, envs[0].Type)
	assert.Equal(t, "hb-1", envs[0].ID)

	require.NoError(t, e.HandleInbound(a.ID(), message.RoomRequest(message.TypeJoinRoom, "ops")))
	envs = drain(a)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeRoomJoined, envs[0].Type)
	assert.Equal(t, "a", envs[0].ParticipantID)
	assert.Equal(t, a.ID(), envs[0].ConnectionID)
	assert.True(t, e.Rooms().IsMember(a.ID(), "ops"))

	require.NoError(t, e.HandleInbound(a.ID(), message.RoomRequest(message.TypeLeaveRoom, "ops")))
	envs = drain(a)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeRoomLeft, envs[0].Type)
	assert.Equal(t, "a", envs[0].ParticipantID)
	assert.False(t, e.Rooms().Exists("ops"))

	msg := newMsg(t, "a", "b", message.PriorityNormal)
	require.NoError(t, e.HandleInbound(a.ID(), message.AgentMessage(msg)))
	got := messagesOf(drain(b))
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)

	require.NoError(t, e.HandleInbound(a.ID(), message.Presence("a", "busy")))
	rec, ok := e.Presence().Get("a")
	require.True(t, ok)
	assert.Equal(t, presence.StatusBusy, rec.Status)
	envs = drain(b)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeAgentPresence, envs[0].Type)

	err := e.HandleInbound(a.ID(), message.RoomRequest(message.TypeRoomJoined, "ops"))
	assert.ErrorIs(t, err, ErrUnexpectedType)
	envs = drain(a)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeError, envs[0].Type)

	require.NoError(t, e.HandleInbound(b.ID(), &message.Envelope{Type: message.TypeUnsubscribe}))
	envs = drain(b)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeUnsubscribed, envs[0].Type)
	_, ok = e.Connection(b.ID())
	assert.False(t, ok)
}

func TestNotificationsAndMetricsRooms(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	dash := accept(t, e, "dashboard")
	require.NoError(t, e.JoinRoom(dash.ID(), rooms.Performance))
	require.NoError(t, e.JoinRoom(dash.ID(), rooms.Notifications))

	require.NoError(t, e.HandleInbound(a.ID(), &message.Envelope{Type: message.TypePerformanceMetrics}))
	notice, err := message.Notification("maintenance", map[string]string{"window": "02:00"})
	require.NoError(t, err)
	require.NoError(t, e.HandleInbound(a.ID(), notice))

	envs := drain(dash)
	require.Len(t, envs, 2)
	assert.Equal(t, message.TypePerformanceMetrics, envs[0].Type)
	assert.Equal(t, message.TypeSystemNotification, envs[1].Type)
	assert.Empty(t, drain(a))
}

func TestRateLimitAppliesToStandardOnly(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Message.Rate = 0.001
	cfg.Message.Burst = 1
	limiter := ratelimit.NewManager(cfg)
	defer limiter.Stop()

	e := newEndpoint(t, WithRateLimiter(limiter))
	a := accept(t, e, "a")
	b := accept(t, e, "b")

	require.NoError(t, e.HandleInbound(a.ID(), message.AgentMessage(newMsg(t, "a", "b", message.PriorityLow))))
	err := e.HandleInbound(a.ID(), message.AgentMessage(newMsg(t, "a", "b", message.PriorityLow)))
	assert.ErrorIs(t, err, ErrRateLimited)
	require.NoError(t, e.HandleInbound(a.ID(), message.AgentMessage(newMsg(t, "a", "b", message.PriorityCritical))))
	require.NoError(t, e.HandleInbound(a.ID(), message.AgentMessage(newMsg(t, "a", "b", message.PriorityHigh))))

	assert.Len(t, messagesOf(drain(b)), 3)
}

func TestSlowConsumerDropsOnlyForItself(t *testing.T) {
	e := newEndpoint(t, WithSendBuffer(1))
	slow := accept(t, e, "slow")
	fast := accept(t, e, "fast")

	assert.Equal(t, 2, e.Broadcast(newMsg(t, "x", "", message.PriorityLow)))
	drain(fast)
	assert.Equal(t, 1, e.Broadcast(newMsg(t, "x", "", message.PriorityLow)))
	assert.Len(t, drain(fast), 1)
	assert.Len(t, drain(slow), 1)
	assert.Equal(t, uint64(1), e.Stats().Dropped)
}

func TestCloseDisconnectsAll(t *testing.T) {
	e := New("primary", WithReapInterval(time.Millisecond))
	c := accept(t, e, "a")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	<-c.Done()
	assert.Empty(t, e.Connections())

	_, err := e.AcceptConnection("b")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInviteJoinsPrivateRoom(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	b := accept(t, e, "b")
	other := accept(t, e, "other")
	room := rooms.PrivatePrefix + "a-b"

	require.NoError(t, e.HandleInbound(a.ID(), message.Invite(room, "a", "b")))
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, e.Rooms().Members(room))

	envs := drain(b)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeRoomJoined, envs[0].Type)
	assert.Equal(t, room, envs[0].Room)
	assert.Equal(t, "b", envs[0].ParticipantID)
	drain(a)

	// Later connections of an invited participant join on accept.
	b2 := accept(t, e, "b")
	assert.True(t, e.Rooms().IsMember(b2.ID(), room))

	msg := newMsg(t, "a", "", message.PriorityNormal)
	msg.Room = room
	require.NoError(t, e.HandleInbound(a.ID(), message.AgentMessage(msg)))
	for _, c := range []*Connection{b, b2} {
		got := messagesOf(drain(c))
		require.Len(t, got, 1)
		assert.Equal(t, msg.ID, got[0].ID)
		assert.Equal(t, room, got[0].Room)
	}
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(other))

	// Leaving withdraws the invitation for new connections.
	require.NoError(t, e.HandleInbound(b2.ID(), message.RoomRequest(message.TypeLeaveRoom, room)))
	b3 := accept(t, e, "b")
	assert.False(t, e.Rooms().IsMember(b3.ID(), room))

	err := e.HandleInbound(a.ID(), message.Invite("ops", "a", "b"))
	assert.ErrorIs(t, err, ErrNotPrivate)
}

func TestSenderMustMatchConnection(t *testing.T) {
	e := newEndpoint(t)
	a := accept(t, e, "a")
	b := accept(t, e, "b")
	sys := accept(t, e, message.SystemID)

	err := e.HandleInbound(a.ID(), message.AgentMessage(newMsg(t, "b", "", message.PriorityNormal)))
	assert.ErrorIs(t, err, ErrSenderMismatch)
	assert.Empty(t, messagesOf(drain(b)))
	assert.Equal(t, uint64(1), e.Stats().Dropped)

	drain(a)
	err = e.HandleInbound(a.ID(), message.Presence("b", "offline"))
	assert.ErrorIs(t, err, ErrSenderMismatch)
	rec, ok := e.Presence().Get("b")
	require.True(t, ok)
	assert.Equal(t, presence.StatusOnline, rec.Status)
	envs := drain(a)
	require.Len(t, envs, 1)
	assert.Equal(t, message.TypeError, envs[0].Type)

	// The system participant relays on behalf of others.
	relayed := newMsg(t, "b", "a", message.PriorityNormal)
	require.NoError(t, e.HandleInbound(sys.ID(), message.AgentMessage(relayed)))
	got := messagesOf(drain(a))
	require.Len(t, got, 1)
	assert.Equal(t, relayed.ID, got[0].ID)
}
