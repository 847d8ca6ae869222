// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestStateManagerTransitions(t *testing.T) {
	sm := NewStateManager()
	assert.Equal(t, StateNew, sm.Get())

	assert.True(t, sm.Transition(StateNew, StateConnecting))
	assert.False(t, sm.Transition(StateNew, StateOpen))
	assert.True(t, sm.TransitionFrom(StateOpen, StateClosed, StateConnecting))
	assert.True(t, sm.IsOpen())

	sm.Set(StateClosed)
	assert.False(t, sm.IsOpen())
}

func TestKindWireMapping(t *testing.T) {
	for _, k := range []Kind{KindEvent, KindAck, KindHeartbeat, KindFragment} {
		assert.Equal(t, k, ParseKind(k.WireType()), k.String())
	}
	assert.Equal(t, KindEvent, ParseKind(TypeResponse))
	assert.Equal(t, KindUnknown, ParseKind("PUBLISH"))
	assert.Equal(t, "FRAGMENT", KindFragment.String())
}

type limitedChannel struct{ max int }

func (limitedChannel) Send([]byte) error { return nil }
func (limitedChannel) Close() error      { return nil }
func (c limitedChannel) MaxPayload() int { return c.max }

type plainChannel struct{}

func (plainChannel) Send([]byte) error { return nil }
func (plainChannel) Close() error      { return nil }

func TestMaxPayload(t *testing.T) {
	assert.Equal(t, 1200, MaxPayload(limitedChannel{max: 1200}))
	assert.Equal(t, DefaultMaxPayload, MaxPayload(limitedChannel{}))
	assert.Equal(t, DefaultMaxPayload, MaxPayload(plainChannel{}))
}

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	assert.Regexp(t, `^msg_\d+_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewID())
}
