// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state.
type State uint32

// Connection states. StateClosed is terminal and only entered through
// Disconnect.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func newStateManager() *stateManager {
	sm := &stateManager{}
	sm.state.Store(uint32(StateDisconnected))
	return sm
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition moves from one state to another. It fails if the current
// state is not from.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom moves to the target state from any of the given states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

// close enters the terminal state. It reports false if already closed.
func (sm *stateManager) close() bool {
	for {
		cur := sm.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if sm.state.CompareAndSwap(cur, uint32(StateClosed)) {
			return true
		}
	}
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
