// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ackPhase is where an unacknowledged message currently is.
type ackPhase int

const (
	// phaseQueued means the message waits for a writable channel.
	phaseQueued ackPhase = iota
	// phaseAwaitingAck means the message was written and its deadline is armed.
	phaseAwaitingAck
	// phaseBackoff means a retransmission is scheduled.
	phaseBackoff
)

// pendingAck is a message that requires acknowledgment.
type pendingAck struct {
	out      *outbound
	phase    ackPhase
	attempts int // transmissions so far
	gen      uint64

	firstSentAt time.Time
	lastSentAt  time.Time
	deadline    time.Time

	policy        backoff.BackOff
	deadlineTimer *time.Timer
	retryTimer    *time.Timer
}

func (p *pendingAck) id() string {
	return p.out.frame.ID
}

func (p *pendingAck) stopTimers() {
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
		p.deadlineTimer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

// inflightTracker holds unacknowledged messages keyed by message id. It is
// owned by the session loop.
type inflightTracker struct {
	messages map[string]*pendingAck
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{
		messages: make(map[string]*pendingAck),
	}
}

func (t *inflightTracker) add(p *pendingAck) {
	t.messages[p.id()] = p
}

func (t *inflightTracker) get(id string) *pendingAck {
	return t.messages[id]
}

func (t *inflightTracker) remove(id string) {
	delete(t.messages, id)
}

func (t *inflightTracker) count() int {
	return len(t.messages)
}

// all returns tracked messages in sequence order.
func (t *inflightTracker) all() []*pendingAck {
	out := make([]*pendingAck, 0, len(t.messages))
	for _, p := range t.messages {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *pendingAck) int {
		switch {
		case a.out.frame.Sequence < b.out.frame.Sequence:
			return -1
		case a.out.frame.Sequence > b.out.frame.Sequence:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (t *inflightTracker) clear() {
	t.messages = make(map[string]*pendingAck)
}

// newRetryBackOff returns a policy yielding base, 2*base, 4*base... capped at
// maxDelay, that stops after maxRetries delays.
func newRetryBackOff(base, maxDelay time.Duration, maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(max(maxRetries, 0)))
}
