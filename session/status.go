// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/absmach/eventbridge/liveness"
)

// ReliabilityStatus is a point-in-time view of a session's delivery health.
type ReliabilityStatus struct {
	IsHealthy bool   `json:"is_healthy"`
	State     string `json:"state"`
	// TimeSinceLastActivity is in seconds.
	TimeSinceLastActivity  float64 `json:"time_since_last_activity"`
	SequenceNumber         uint64  `json:"sequence_number"`
	ExpectedSequence       uint64  `json:"expected_sequence"`
	OutOfOrderBufferSize   int     `json:"out_of_order_buffer_size"`
	DeliveredMessagesCount int     `json:"delivered_messages_count"`
	PendingAcks            int     `json:"pending_acks"`
	QueuedMessages         int     `json:"queued_messages"`
	PendingFragments       int     `json:"pending_fragments"`
	ReliabilityScore       float64 `json:"reliability_score"`
	OrderingEfficiency     float64 `json:"ordering_efficiency"`
	DuplicateRate          float64 `json:"duplicate_rate"`
}

// ReliabilityStatus reports delivery health. It runs on the session loop
// and must not be called from an event handler.
func (s *Session) ReliabilityStatus() ReliabilityStatus {
	var st ReliabilityStatus
	if !s.call(func() { st = s.reliabilityStatus() }) {
		st = s.reliabilityStatus()
	}
	return st
}

func (s *Session) reliabilityStatus() ReliabilityStatus {
	now := time.Now()
	score, ordering, duplicates := s.stats.reliability()

	s.seqMu.Lock()
	seq := s.nextSeq
	s.seqMu.Unlock()

	return ReliabilityStatus{
		IsHealthy:              s.state.IsOpen() && s.live.Status(now) != liveness.TimedOut,
		State:                  s.state.Get().String(),
		TimeSinceLastActivity:  now.Sub(s.live.LastActivity()).Seconds(),
		SequenceNumber:         seq,
		ExpectedSequence:       s.order.Expected(),
		OutOfOrderBufferSize:   s.order.Pending(),
		DeliveredMessagesCount: s.order.Delivered(),
		PendingAcks:            s.inflight.count(),
		QueuedMessages:         s.queue.len(),
		PendingFragments:       s.frags.Len(),
		ReliabilityScore:       score,
		OrderingEfficiency:     ordering,
		DuplicateRate:          duplicates,
	}
}
