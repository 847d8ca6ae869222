// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
)

// Handle tracks the outcome of one Send.
//
// A handle resolves once: on acknowledgment, on the first acknowledgment
// deadline, on retry exhaustion or on close. Retransmission may continue after
// an ErrAckTimeout resolution, so the handle also settles when the message
// leaves the session for good. Messages sent without acknowledgment resolve
// and settle once written.
type Handle struct {
	id       string
	sequence uint64

	resolveOnce sync.Once
	resolved    chan struct{}
	err         error

	settleOnce sync.Once
	settled    chan struct{}
	final      error
}

func newHandle(id string, seq uint64) *Handle {
	return &Handle{
		id:       id,
		sequence: seq,
		resolved: make(chan struct{}),
		settled:  make(chan struct{}),
	}
}

// ID returns the message id.
func (h *Handle) ID() string {
	return h.id
}

// Sequence returns the sequence number assigned to the message.
func (h *Handle) Sequence() uint64 {
	return h.sequence
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.resolved
}

// Err returns the resolution error. It is only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.resolved:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the handle resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.resolved:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled is closed when the session stops tracking the message.
func (h *Handle) Settled() <-chan struct{} {
	return h.settled
}

// Final returns the terminal outcome: nil once acknowledged or written,
// ErrRetryExhausted or ErrCancelled otherwise. It is only meaningful after
// Settled.
func (h *Handle) Final() error {
	select {
	case <-h.settled:
		return h.final
	default:
		return nil
	}
}

func (h *Handle) resolve(err error) bool {
	ok := false
	h.resolveOnce.Do(func() {
		h.err = err
		close(h.resolved)
		ok = true
	})
	return ok
}

func (h *Handle) settle(err error) {
	h.resolve(err)
	h.settleOnce.Do(func() {
		h.final = err
		close(h.settled)
	})
}
