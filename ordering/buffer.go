// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ordering releases sequenced messages in strictly increasing order
// and filters recently delivered duplicates.
package ordering

import (
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults for Buffer bounds.
const (
	DefaultMaxPending    = 1024
	DefaultDeliveredSize = 1000
)

// Verdict classifies an accepted message.
type Verdict int

const (
	// Deliver means the message, and possibly buffered successors, are released.
	Deliver Verdict = iota
	// Buffered means the message arrived early and is held.
	Buffered
	// Stale means the message was already delivered or is already held.
	Stale
	// Overflow means the message arrived early but the buffer is full.
	Overflow
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Buffered:
		return "buffered"
	case Stale:
		return "stale"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Config bounds the buffer. Zero values select the defaults.
type Config struct {
	MaxPending    int
	DeliveredSize int
}

type entry[T any] struct {
	id   string
	item T
}

// Buffer is a per-connection reorder buffer. Sequence numbers start at 1;
// sequence 0 marks an unsequenced message that is only deduplicated by id.
// Buffer is owned by a single goroutine.
type Buffer[T any] struct {
	maxPending int
	expected   uint64
	pending    map[uint64]entry[T]
	delivered  *lru.Cache[string, struct{}]
}

// New creates a buffer expecting sequence 1.
func New[T any](cfg Config) *Buffer[T] {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.DeliveredSize <= 0 {
		cfg.DeliveredSize = DefaultDeliveredSize
	}

	delivered, _ := lru.New[string, struct{}](cfg.DeliveredSize)
	return &Buffer[T]{
		maxPending: cfg.MaxPending,
		expected:   1,
		pending:    make(map[uint64]entry[T]),
		delivered:  delivered,
	}
}

// Accept classifies a message and returns the items that are now deliverable,
// in order. Items are only returned with the Deliver verdict.
func (b *Buffer[T]) Accept(id string, seq uint64, item T) (Verdict, []T) {
	if id != "" && b.delivered.Contains(id) {
		return Stale, nil
	}

	if seq == 0 {
		b.markDelivered(id)
		return Deliver, []T{item}
	}

	switch {
	case seq < b.expected:
		return Stale, nil
	case seq > b.expected:
		if _, ok := b.pending[seq]; ok {
			return Stale, nil
		}
		if len(b.pending) >= b.maxPending {
			return Overflow, nil
		}
		b.pending[seq] = entry[T]{id: id, item: item}
		return Buffered, nil
	}

	out := []T{item}
	b.markDelivered(id)
	b.expected++

	for {
		next, ok := b.pending[b.expected]
		if !ok {
			break
		}
		delete(b.pending, b.expected)
		b.markDelivered(next.id)
		out = append(out, next.item)
		b.expected++
	}

	return Deliver, out
}

func (b *Buffer[T]) markDelivered(id string) {
	if id != "" {
		b.delivered.Add(id, struct{}{})
	}
}

// Expected returns the next sequence number that will be delivered.
func (b *Buffer[T]) Expected() uint64 {
	return b.expected
}

// Pending returns the number of buffered messages.
func (b *Buffer[T]) Pending() int {
	return len(b.pending)
}

// PendingSequences returns buffered sequence numbers in ascending order.
func (b *Buffer[T]) PendingSequences() []uint64 {
	return slices.Sorted(maps.Keys(b.pending))
}

// Delivered returns the number of ids held by the duplicate filter.
func (b *Buffer[T]) Delivered() int {
	return b.delivered.Len()
}

// Reset returns the buffer to its initial state.
func (b *Buffer[T]) Reset() {
	b.expected = 1
	b.pending = make(map[uint64]entry[T])
	b.delivered.Purge()
}
