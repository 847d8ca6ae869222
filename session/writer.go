// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/eventbridge/codec"
	"github.com/absmach/eventbridge/core"
	"github.com/sony/gobreaker"
)

// newBreaker guards channel writes of one session. A channel that keeps
// rejecting writes trips the breaker and further writes fail fast until the
// reset timeout probes it again.
func newBreaker(name string, threshold int, timeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("channel circuit breaker state changed",
				slog.String("client_id", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// write sends raw bytes on the current channel. Any failure is reported as
// ErrTransientSend. Must run on the loop.
func (s *Session) write(data []byte) error {
	ch := s.ch
	if ch == nil || !s.state.IsOpen() {
		return fmt.Errorf("%w: %w", ErrTransientSend, core.ErrChannelClosed)
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, ch.Send(data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientSend, err)
	}

	s.live.MarkSent(time.Now())
	return nil
}

// writeFrame encodes and writes a frame.
func (s *Session) writeFrame(f *core.Frame) error {
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(f.Kind.String(), int64(len(data)))
	return nil
}

// writeControl writes an ACK or HEARTBEAT frame. Control frames are never
// queued or retried.
func (s *Session) writeControl(f *core.Frame) {
	if !s.state.IsOpen() {
		return
	}
	if err := s.writeFrame(f); err != nil {
		s.stats.errors.Add(1)
		s.logger.Debug("failed to write control frame",
			slog.String("client_id", s.ID),
			slog.String("kind", f.Kind.String()),
			slog.String("error", err.Error()))
	}
}
