// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmesh/config"
	"github.com/absmach/fluxmesh/correlate"
	"github.com/absmach/fluxmesh/events"
	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/pkg/seal"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLinkDown = errors.New("link down")

type fakeLink struct {
	name    string
	healthy atomic.Bool
	failTx  atomic.Bool

	mu   sync.Mutex
	sent []message.Message
}

func newFakeLink(name string) *fakeLink {
	l := &fakeLink{name: name}
	l.healthy.Store(true)
	return l
}

func (l *fakeLink) Name() string       { return l.name }
func (l *fakeLink) IsHealthy() bool    { return l.healthy.Load() }
func (l *fakeLink) RTT() time.Duration { return 2 * time.Millisecond }

func (l *fakeLink) Transmit(msg message.Message) error {
	if l.failTx.Load() {
		return errLinkDown
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) messages() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.sent...)
}

func testConfig() config.FabricConfig {
	cfg := config.Default().Fabric
	cfg.DrainInterval = 5 * time.Millisecond
	return cfg
}

// newTestFabric returns a fabric over a primary and a backup fake link.
// The drain loop is not started.
func newTestFabric(t *testing.T, cfg config.FabricConfig, opts ...Option) (*Fabric, *fakeLink, *fakeLink) {
	t.Helper()
	f := New(cfg, opts...)
	primary := newFakeLink("primary")
	backup := newFakeLink("backup")

	topo, err := topology.New(topology.Config{OnFailover: f.HandleFailover},
		topology.Member{Link: primary}, topology.Member{Link: backup})
	require.NoError(t, err)
	require.NoError(t, f.UseTopology(topo))
	t.Cleanup(f.Stop)
	return f, primary, backup
}

func TestUrgentSendIsImmediate(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())

	id, err := f.Broadcast(context.Background(), "system", "halt", message.KindCommand, message.PriorityCritical, nil)
	require.NoError(t, err)

	sent := primary.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.True(t, sent[0].IsBroadcast())

	st := f.GetStats()
	assert.Equal(t, uint64(1), st.TotalMessages)
	assert.Equal(t, uint64(1), st.CriticalMessages)
	assert.Zero(t, st.Queued)
	assert.Equal(t, "primary", st.ActiveEndpoint)
	assert.Equal(t, 2*time.Millisecond, st.AverageLatency)

	hist := f.GetHistory(10)
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)
}

func TestUrgentFallsBackToQueue(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())
	primary.failTx.Store(true)

	id, err := f.Send(context.Background(), Outgoing{
		From: "agent-1", To: "agent-2", Content: "status?", Kind: message.KindQuery, Priority: message.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.GetStats().Queued)
	assert.Equal(t, uint64(1), f.GetStats().HighPriorityMessages)

	primary.failTx.Store(false)
	assert.Equal(t, 1, f.Drain())
	sent := primary.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Zero(t, f.GetStats().Queued)
}

func TestStandardTrafficIsQueuedAndDrainedByPriority(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())
	ctx := context.Background()

	var ids []string
	for _, p := range []message.Priority{message.PriorityLow, message.PriorityNormal, message.PriorityLow, message.PriorityNormal} {
		id, err := f.Send(ctx, Outgoing{From: "agent-1", To: "agent-2", Content: p.String(), Priority: p})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Empty(t, primary.messages(), "standard priority must not bypass the queue")
	assert.Equal(t, 2, f.GetStats().QueuedByPriority["low"])

	assert.Equal(t, 4, f.Drain())
	sent := primary.messages()
	require.Len(t, sent, 4)
	assert.Equal(t, []string{ids[1], ids[3], ids[0], ids[2]},
		[]string{sent[0].ID, sent[1].ID, sent[2].ID, sent[3].ID})
}

func TestDrainWaitsForHealthyLink(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())
	primary.healthy.Store(false)

	_, err := f.Send(context.Background(), Outgoing{From: "agent-1", Content: "x", Priority: message.PriorityNormal})
	require.NoError(t, err)
	assert.Zero(t, f.Drain())
	assert.Equal(t, 1, f.GetStats().Queued)

	primary.healthy.Store(true)
	assert.Equal(t, 1, f.Drain())
}

func TestDrainRequeuesOnFailure(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())
	ctx := context.Background()

	first, err := f.Send(ctx, Outgoing{From: "agent-1", Content: "a", Priority: message.PriorityNormal})
	require.NoError(t, err)
	_, err = f.Send(ctx, Outgoing{From: "agent-1", Content: "b", Priority: message.PriorityNormal})
	require.NoError(t, err)

	primary.failTx.Store(true)
	assert.Zero(t, f.Drain())
	assert.Equal(t, 2, f.GetStats().Queued)

	primary.failTx.Store(false)
	assert.Equal(t, 2, f.Drain())
	assert.Equal(t, first, primary.messages()[0].ID, "requeued message keeps its place")
}

func TestBackgroundDrain(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())
	require.NoError(t, f.Start(context.Background()))

	_, err := f.Send(context.Background(), Outgoing{From: "agent-1", Content: "bg", Priority: message.PriorityLow})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(primary.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLaneFullFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchLaneCapacity = 1
	f, primary, _ := newTestFabric(t, cfg)
	primary.healthy.Store(false)

	var dropped []events.Event
	f.On(events.TypeMessageDropped, func(ev events.Event) { dropped = append(dropped, ev) })

	ctx := context.Background()
	_, err := f.Send(ctx, Outgoing{From: "agent-1", Content: "1", Priority: message.PriorityLow})
	require.NoError(t, err)
	id, err := f.Send(ctx, Outgoing{From: "agent-1", Content: "2", Priority: message.PriorityLow})
	assert.ErrorIs(t, err, ErrDropped)
	assert.NotEmpty(t, id)

	st := f.GetStats()
	assert.Equal(t, uint64(1), st.FailedMessages)
	assert.Equal(t, 1, st.Queued)
	require.Len(t, dropped, 1)
	assert.Equal(t, id, dropped[0].(events.MessageDropped).MessageID)
}

func TestRequiresResponseTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 50 * time.Millisecond
	f, _, _ := newTestFabric(t, cfg)

	id, err := f.Send(context.Background(), Outgoing{
		From: "system", To: "agent-1", Content: "report", Kind: message.KindQuery,
		Priority: message.PriorityHigh, RequiresResponse: true,
	})
	require.NoError(t, err)
	assert.True(t, f.IsPending(id))

	_, err = f.AwaitResponse(context.Background(), id, 0)
	assert.ErrorIs(t, err, correlate.ErrTimeout)
	assert.False(t, f.IsPending(id))
	assert.Zero(t, f.GetStats().PendingResponses)
}

func TestFirstResponseWins(t *testing.T) {
	f, _, _ := newTestFabric(t, testConfig())
	ctx := context.Background()

	id, err := f.Send(ctx, Outgoing{
		From: "system", To: "agent-1", Content: "report", Kind: message.KindQuery,
		Priority: message.PriorityCritical, RequiresResponse: true,
	})
	require.NoError(t, err)

	got := make(chan message.Message, 1)
	go func() {
		resp, err := f.AwaitResponse(ctx, id, time.Second)
		assert.NoError(t, err)
		got <- resp
	}()

	var replies []string
	for _, text := range []string{"first", "second"} {
		reply, err := message.New("agent-1", "system", text, message.KindResponse, message.PriorityHigh)
		require.NoError(t, err)
		reply.ResponseToID = id
		f.HandleInbound(reply)
		replies = append(replies, reply.ID)
	}

	select {
	case resp := <-got:
		assert.Equal(t, replies[0], resp.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
	assert.False(t, f.IsPending(id))
	assert.Len(t, f.GetHistory(0), 3, "request and both replies are recorded")
}

func TestReplyBeforeAwait(t *testing.T) {
	f, _, _ := newTestFabric(t, testConfig())
	ctx := context.Background()

	id, err := f.Send(ctx, Outgoing{
		From: "system", To: "agent-1", Content: "status?", Kind: message.KindQuery,
		Priority: message.PriorityCritical, RequiresResponse: true,
	})
	require.NoError(t, err)

	reply, err := message.New("agent-1", "system", "green", message.KindResponse, message.PriorityHigh)
	require.NoError(t, err)
	reply.ResponseToID = id
	f.HandleInbound(reply)
	assert.False(t, f.IsPending(id))

	resp, err := f.AwaitResponse(ctx, id, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, resp.ID)
	assert.False(t, f.IsPending(id))
}

func TestInboundUpdatesPresenceAndEmits(t *testing.T) {
	f, _, _ := newTestFabric(t, testConfig())

	var got []message.Message
	id := f.On(events.TypeAgentMessage, func(ev events.Event) {
		got = append(got, ev.(events.AgentMessage).Message)
	})

	msg, err := message.New("agent-7", "", "hello", message.KindData, message.PriorityNormal)
	require.NoError(t, err)
	f.HandleInbound(msg)

	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	rec, ok := f.GetPresence("agent-7")
	require.True(t, ok)
	assert.Equal(t, presence.StatusOnline, rec.Status)
	require.Len(t, f.ListOnline(), 1)

	assert.True(t, f.Off(events.TypeAgentMessage, id))
	f.HandleInbound(msg)
	assert.Len(t, got, 1)
}

func TestHandleEnvelope(t *testing.T) {
	f, _, _ := newTestFabric(t, testConfig())

	var seen []string
	for _, typ := range []string{events.TypePresenceUpdate, events.TypeSystemNotification, events.TypeError} {
		f.On(typ, func(ev events.Event) { seen = append(seen, ev.Type()) })
	}

	f.HandleEnvelope(message.Presence("agent-3", "busy"))
	note, err := message.Notification("maintenance", map[string]any{"in": "5m"})
	require.NoError(t, err)
	f.HandleEnvelope(note)
	f.HandleEnvelope(message.Error("m-1", errors.New("rate limited")))
	f.HandleEnvelope(message.Presence("agent-3", "sleeping"))

	assert.Equal(t, []string{events.TypePresenceUpdate, events.TypeSystemNotification, events.TypeError}, seen)
	rec, ok := f.GetPresence("agent-3")
	require.True(t, ok)
	assert.Equal(t, presence.StatusBusy, rec.Status)
	assert.False(t, rec.Online(time.Now(), time.Minute))
}

func TestRoomsAndPrivateChannels(t *testing.T) {
	f, primary, _ := newTestFabric(t, testConfig())

	room, err := f.CreatePrivateChannel("agent-1", "agent-2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, f.RoomMembers(room))

	id, err := f.Send(context.Background(), Outgoing{
		From: "system", Room: room, Content: "between you two", Priority: message.PriorityHigh,
	})
	require.NoError(t, err)
	sent := primary.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, room, sent[0].Room)
	assert.True(t, sent[0].IsBroadcast())

	require.NoError(t, f.JoinRoom("agent-3", "ops"))
	f.UpdatePresence("agent-3", presence.StatusOnline)
	assert.True(t, f.LeaveRoom("agent-3", "ops"))
	_, ok := f.GetPresence("agent-3")
	assert.True(t, ok, "leaving a room keeps presence")

	f.LeaveRoom("agent-1", room)
	f.LeaveRoom("agent-2", room)
	assert.Empty(t, f.RoomMembers(room))
}

func TestFailoverRoutesThroughBackup(t *testing.T) {
	f, primary, backup := newTestFabric(t, testConfig())

	var failovers []events.Failover
	f.On(events.TypeFailover, func(ev events.Event) { failovers = append(failovers, ev.(events.Failover)) })

	primary.healthy.Store(false)
	for i := 0; i < 4; i++ {
		f.Topology().ProbeNow()
	}
	require.Len(t, failovers, 1)
	assert.Equal(t, events.Failover{From: "primary", To: "backup"}, failovers[0])

	_, err := f.Broadcast(context.Background(), "system", "after", message.KindNotification, message.PriorityCritical, nil)
	require.NoError(t, err)
	assert.Empty(t, primary.messages())
	assert.Len(t, backup.messages(), 1)
	assert.Equal(t, uint64(1), f.GetStats().Failovers)
	assert.Equal(t, "backup", f.GetStats().ActiveEndpoint)
}

func TestSealedContent(t *testing.T) {
	s, err := seal.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	f, primary, _ := newTestFabric(t, testConfig(), WithSealer(s))

	_, err = f.Send(context.Background(), Outgoing{
		From: "system", To: "agent-1", Content: "launch codes", Priority: message.PriorityCritical,
	})
	require.NoError(t, err)

	wire := primary.messages()[0]
	assert.True(t, seal.IsSealed(wire))
	assert.NotContains(t, string(wire.Content), "launch codes")
	text, _ := f.GetHistory(1)[0].Text()
	assert.Equal(t, "launch codes", text, "history keeps the clear message")

	reply, err := message.New("agent-1", "system", "ack", message.KindResponse, message.PriorityHigh)
	require.NoError(t, err)
	sealedReply, err := s.Seal(reply)
	require.NoError(t, err)
	f.HandleInbound(sealedReply)
	text, _ = f.GetHistory(1)[0].Text()
	assert.Equal(t, "ack", text)
}

func TestLifecycle(t *testing.T) {
	f := New(testConfig())
	assert.ErrorIs(t, f.Start(context.Background()), ErrNoTopology)

	topo, err := topology.New(topology.Config{}, topology.Member{Link: newFakeLink("primary")})
	require.NoError(t, err)
	require.NoError(t, f.UseTopology(topo))
	assert.ErrorIs(t, f.UseTopology(topo), ErrTopologyExists)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Start(context.Background()))
	f.Stop()
	f.Stop()

	_, err = f.Send(context.Background(), Outgoing{From: "system", Content: "x", Priority: message.PriorityLow})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.Start(context.Background()), ErrStopped)
}
