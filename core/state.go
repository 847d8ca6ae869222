// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "sync/atomic"

// State represents the state of the underlying data channel.
type State uint32

const (
	StateNew State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateManager handles atomic channel state transitions. It is written by
// the session loop and read from any goroutine.
type StateManager struct {
	state atomic.Uint32
}

// NewStateManager returns a manager in StateNew.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// Get returns the current state.
func (sm *StateManager) Get() State {
	return State(sm.state.Load())
}

// Set unconditionally sets the state.
func (sm *StateManager) Set(s State) {
	sm.state.Store(uint32(s))
}

// Transition attempts to move from one state to another.
// Returns true if successful.
func (sm *StateManager) Transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// TransitionFrom attempts to transition from any of the given states.
func (sm *StateManager) TransitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.Transition(f, to) {
			return true
		}
	}
	return false
}

// IsOpen reports whether frames can be written.
func (sm *StateManager) IsOpen() bool {
	return sm.Get() == StateOpen
}
