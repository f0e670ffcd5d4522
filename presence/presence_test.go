// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"sync"
	"testing"
	"time"

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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestListOnlineExcludesStale(t *testing.T) {
	clk := newClock()
	r := New(WithClock(clk.Now))

	r.Update("old", StatusOnline)
	clk.Advance(61 * time.Second)
	r.Update("fresh", StatusOnline)

	online := r.ListOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].ParticipantID)

	rec, ok := r.Get("old")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.False(t, r.IsOnline("old"))
}

func TestThresholdBoundary(t *testing.T) {
	clk := newClock()
	r := New(WithClock(clk.Now), WithThreshold(time.Minute))

	r.Touch("a")
	clk.Advance(time.Minute - time.Millisecond)
	assert.True(t, r.IsOnline("a"))

	clk.Advance(time.Millisecond)
	assert.False(t, r.IsOnline("a"))
}

func TestBusyIsNotOnline(t *testing.T) {
	r := New()
	r.Update("a", StatusBusy)
	assert.False(t, r.IsOnline("a"))
	assert.Empty(t, r.ListOnline())
	assert.Len(t, r.All(), 1)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	clk := newClock()
	r := New(WithClock(clk.Now))

	r.Update("a", StatusOffline)
	clk.Advance(90 * time.Second)
	rec := r.Touch("a")

	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, clk.Now(), rec.LastSeenAt)
	assert.True(t, r.IsOnline("a"))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("busy")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, s)

	_, err = ParseStatus("away")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
