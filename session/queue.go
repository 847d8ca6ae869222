// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"

	"github.com/absmach/eventbridge/core"
)

// outbound is an encoded application event waiting to be written.
type outbound struct {
	frame   *core.Frame
	encoded []byte
	handle  *Handle
}

// sendQueue holds events submitted while the channel is not writable.
// Items are flushed in the order they were queued.
type sendQueue struct {
	mu      sync.Mutex
	items   []*outbound
	maxSize int
}

func newSendQueue(maxSize int) *sendQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &sendQueue{
		items:   make([]*outbound, 0),
		maxSize: maxSize,
	}
}

// enqueue appends an item.
// Returns ErrQueueFull if the queue is at capacity.
func (q *sendQueue) enqueue(o *outbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return fmt.Errorf("enqueue message %s (current: %d, max: %d): %w",
			o.frame.ID, len(q.items), q.maxSize, ErrQueueFull)
	}

	q.items = append(q.items, o)
	return nil
}

// requeue puts items ahead of everything queued. Capacity is not enforced
// since the items were already accepted once.
func (q *sendQueue) requeue(items []*outbound) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]*outbound, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
}

// len returns the number of queued items.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns all items.
func (q *sendQueue) drain() []*outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = make([]*outbound, 0)
	return items
}
