// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync/atomic"
	"time"
)

// Statistic keys reported by Stats.Snapshot.
const (
	StatMessagesSent       = "messages_sent"
	StatMessagesReceived   = "messages_received"
	StatChunksSent         = "chunks_sent"
	StatChunksReceived     = "chunks_received"
	StatErrors             = "errors"
	StatEventsProcessed    = "events_processed"
	StatDuplicateMessages  = "duplicate_messages"
	StatOutOfOrderMessages = "out_of_order_messages"
	StatMessagesRetried    = "messages_retried"
	StatMessagesDropped    = "messages_dropped"
	StatConnectionLosses   = "connection_losses"
)

// Stats holds per-session protocol counters.
type Stats struct {
	startTime time.Time

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	chunksSent       atomic.Uint64
	chunksReceived   atomic.Uint64

	errors          atomic.Uint64
	eventsProcessed atomic.Uint64

	duplicates atomic.Uint64
	outOfOrder atomic.Uint64

	retried atomic.Uint64
	dropped atomic.Uint64

	connectionLosses atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Snapshot returns the counters keyed by their statistic names.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		StatMessagesSent:       s.messagesSent.Load(),
		StatMessagesReceived:   s.messagesReceived.Load(),
		StatChunksSent:         s.chunksSent.Load(),
		StatChunksReceived:     s.chunksReceived.Load(),
		StatErrors:             s.errors.Load(),
		StatEventsProcessed:    s.eventsProcessed.Load(),
		StatDuplicateMessages:  s.duplicates.Load(),
		StatOutOfOrderMessages: s.outOfOrder.Load(),
		StatMessagesRetried:    s.retried.Load(),
		StatMessagesDropped:    s.dropped.Load(),
		StatConnectionLosses:   s.connectionLosses.Load(),
	}
}

// Uptime returns the time since the stats were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// reliability derives the percentage figures of a ReliabilityStatus.
func (s *Stats) reliability() (score, ordering, duplicates float64) {
	sent := s.messagesSent.Load()
	received := s.messagesReceived.Load()
	dropped := s.dropped.Load()

	score = 100
	if total := sent + received; total > 0 {
		score = percent(total-min(dropped, total), total)
	}

	ordering = 100
	if received > 0 {
		ordered := received - min(s.outOfOrder.Load(), received)
		ordering = percent(ordered, received)
		duplicates = percent(s.duplicates.Load(), received)
	}
	return score, ordering, duplicates
}

func percent(n, total uint64) float64 {
	return float64(n) / float64(total) * 100
}
