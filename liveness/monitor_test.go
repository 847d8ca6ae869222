// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusThresholds(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := New(Config{}, start)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    Status
	}{
		{"fresh", 0, Healthy},
		{"below probe threshold", 33 * time.Second, Healthy},
		{"past probe threshold", 34 * time.Second, Stale},
		{"at timeout", 120 * time.Second, Stale},
		{"past timeout", 121 * time.Second, TimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Status(start.Add(tt.elapsed)))
		})
	}
}

func TestSingleTimeoutSignal(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := New(Config{}, start)

	fires := 0
	for tick := 1; tick <= 10; tick++ {
		_, fired := m.Check(start.Add(time.Duration(tick) * DefaultInterval))
		if fired {
			fires++
		}
	}
	assert.Equal(t, 1, fires)

	now := start.Add(11 * DefaultInterval)
	m.Touch(now)
	status, fired := m.Check(now.Add(time.Second))
	assert.Equal(t, Healthy, status)
	assert.False(t, fired)

	status, fired = m.Check(now.Add(DefaultTimeout + time.Second))
	assert.Equal(t, TimedOut, status)
	assert.True(t, fired)
}

func TestOutboundDoesNotMaskSilentPeer(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := New(Config{Interval: time.Second, Timeout: 3 * time.Second}, start)

	m.MarkSent(start.Add(3500 * time.Millisecond))
	assert.Equal(t, start.Add(3500*time.Millisecond), m.LastActivity())
	assert.Equal(t, start, m.LastReceived())

	status, fired := m.Check(start.Add(4 * time.Second))
	assert.Equal(t, TimedOut, status)
	assert.True(t, fired)
}

func TestTouchIgnoresOlderTimestamps(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := New(Config{}, start)

	m.Touch(start.Add(10 * time.Second))
	m.Touch(start.Add(5 * time.Second))
	assert.Equal(t, start.Add(10*time.Second), m.LastReceived())
}

func TestReset(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := New(Config{Interval: time.Second, Timeout: 2 * time.Second}, start)

	_, fired := m.Check(start.Add(3 * time.Second))
	assert.True(t, fired)

	m.Reset(start.Add(3 * time.Second))
	status, fired := m.Check(start.Add(3 * time.Second))
	assert.Equal(t, Healthy, status)
	assert.False(t, fired)
	assert.Equal(t, time.Second, m.Interval())
}
