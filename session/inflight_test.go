// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestRetryBackOffSchedule(t *testing.T) {
	tests := []struct {
		name       string
		base       time.Duration
		maxDelay   time.Duration
		maxRetries int
		want       []time.Duration
	}{
		{
			name:       "doubling",
			base:       time.Second,
			maxDelay:   30 * time.Second,
			maxRetries: 3,
			want:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:       "capped",
			base:       10 * time.Second,
			maxDelay:   15 * time.Second,
			maxRetries: 4,
			want:       []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second},
		},
		{
			name:       "no retries",
			base:       time.Second,
			maxDelay:   time.Second,
			maxRetries: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRetryBackOff(tt.base, tt.maxDelay, tt.maxRetries)
			for _, want := range tt.want {
				assert.Equal(t, want, b.NextBackOff())
			}
			assert.Equal(t, backoff.Stop, b.NextBackOff())
		})
	}
}

func TestInflightTrackerOrder(t *testing.T) {
	tr := newInflightTracker()
	for _, seq := range []uint64{3, 1, 2} {
		f := core.NewEventFrame([]byte(`{}`), true)
		f.Sequence = seq
		tr.add(&pendingAck{out: &outbound{frame: f}})
	}

	var got []uint64
	for _, p := range tr.all() {
		got = append(got, p.out.frame.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, 3, tr.count())

	tr.clear()
	assert.Equal(t, 0, tr.count())
}

func TestSendQueueRequeueGoesFirst(t *testing.T) {
	q := newSendQueue(2)
	mk := func(seq uint64) *outbound {
		f := core.NewEventFrame([]byte(`{}`), false)
		f.Sequence = seq
		return &outbound{frame: f}
	}

	assert.NoError(t, q.enqueue(mk(3)))
	assert.NoError(t, q.enqueue(mk(4)))
	assert.ErrorIs(t, q.enqueue(mk(5)), ErrQueueFull)

	q.requeue([]*outbound{mk(1), mk(2)})
	assert.Equal(t, 4, q.len())

	var got []uint64
	for _, o := range q.drain() {
		got = append(got, o.frame.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, got)
	assert.Equal(t, 0, q.len())
}

func TestMailboxClose(t *testing.T) {
	mb := newMailbox()
	ran := 0
	assert.True(t, mb.post(func() { ran++ }))
	assert.True(t, mb.post(func() { ran++ }))

	for _, task := range mb.close() {
		task()
	}
	assert.Equal(t, 2, ran)
	assert.False(t, mb.post(func() { ran++ }))
	assert.Empty(t, mb.take())
}
