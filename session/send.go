// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/eventbridge/codec"
	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/fragment"
	"github.com/cenkalti/backoff/v4"
)

// Send submits an application event and returns its handle without
// blocking. The payload must be valid JSON; it travels as the frame's
// "event" field. Sequence numbers are assigned here, so events sent from one
// goroutine are delivered to the peer in call order.
func (s *Session) Send(payload json.RawMessage, requireAck bool) (*Handle, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	f := core.NewEventFrame(bytes.Clone(payload), requireAck)

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	f.Sequence = s.nextSeq + 1
	h := newHandle(f.ID, f.Sequence)
	epoch := s.seqEpoch
	if !s.mb.post(func() { s.submitIfCurrent(f, h, epoch) }) {
		return nil, ErrCancelled
	}
	s.nextSeq++
	return h, nil
}

// SendEvent sends payload and, when requireAck is set, waits for the
// acknowledgment or the first failure.
func (s *Session) SendEvent(ctx context.Context, payload json.RawMessage, requireAck bool) error {
	h, err := s.Send(payload, requireAck)
	if err != nil {
		return err
	}
	if !requireAck {
		return nil
	}
	return h.Wait(ctx)
}

// submitIfCurrent drops an event numbered before a Reset that ran ahead of
// its submission.
func (s *Session) submitIfCurrent(f *core.Frame, h *Handle, epoch uint64) {
	s.seqMu.Lock()
	current := s.seqEpoch
	s.seqMu.Unlock()
	if epoch != current {
		h.settle(ErrCancelled)
		return
	}
	s.submit(f, h)
}

func (s *Session) submit(f *core.Frame, h *Handle) {
	if s.closing {
		h.settle(ErrCancelled)
		return
	}

	data, err := codec.Encode(f)
	if err != nil {
		s.stats.errors.Add(1)
		h.settle(err)
		return
	}

	out := &outbound{frame: f, encoded: data, handle: h}
	if f.RequireAck {
		s.inflight.add(&pendingAck{
			out:    out,
			phase:  phaseQueued,
			policy: newRetryBackOff(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, s.opts.MaxRetries),
		})
		s.metrics.RecordInflight(1)
	}

	if !s.state.IsOpen() {
		if err := s.queue.enqueue(out); err != nil {
			if f.RequireAck {
				s.inflight.remove(f.ID)
				s.metrics.RecordInflight(-1)
			}
			s.stats.dropped.Add(1)
			s.metrics.RecordDrop("queue_full")
			h.settle(err)
			s.notifyError(err)
		}
		return
	}

	s.transmit(out)
}

// transmit writes an event, fragmenting it when needed, and arms the
// acknowledgment deadline.
func (s *Session) transmit(out *outbound) {
	f := out.frame

	var p *pendingAck
	if f.RequireAck {
		if p = s.inflight.get(f.ID); p == nil {
			return
		}
	}

	err := s.writeEvent(out)
	now := time.Now()

	if p == nil {
		if err != nil {
			s.stats.dropped.Add(1)
			s.metrics.RecordDrop("write_failed")
			err = fmt.Errorf("message %s: %w", f.ID, err)
			out.handle.settle(err)
			s.notifyError(err)
			return
		}
		s.stats.messagesSent.Add(1)
		out.handle.settle(nil)
		return
	}

	p.attempts++
	if p.attempts > 1 {
		s.stats.retried.Add(1)
		s.metrics.RecordRetry()
	}
	if err != nil {
		s.retryLater(p, err)
		return
	}

	if p.firstSentAt.IsZero() {
		p.firstSentAt = now
		s.stats.messagesSent.Add(1)
	}
	p.lastSentAt = now
	p.deadline = now.Add(s.opts.AckTimeout)
	p.phase = phaseAwaitingAck
	p.gen++

	gen := p.gen
	p.deadlineTimer = s.after(s.opts.AckTimeout, func() {
		s.onDeadline(f.ID, gen)
	})
}

func (s *Session) writeEvent(out *outbound) error {
	if len(out.encoded) <= s.maxPayload-envelopeOverhead {
		if err := s.write(out.encoded); err != nil {
			return err
		}
		s.metrics.RecordFrameSent(out.frame.Kind.String(), int64(len(out.encoded)))
		return nil
	}

	chunks, err := fragment.Split(out.frame.ID, out.encoded, s.chunkSize, out.frame.RequireAck)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		cf := &core.Frame{
			ID:         core.NewID(),
			Kind:       core.KindFragment,
			Timestamp:  time.Now(),
			RequireAck: c.RequireAck,
			GroupID:    c.GroupID,
			ChunkIndex: c.Index,
			ChunkTotal: c.Total,
			Last:       c.Last,
			Data:       c.Data,
		}
		if err := s.writeFrame(cf); err != nil {
			return fmt.Errorf("chunk %d of %d: %w", c.Index, c.Total, err)
		}
		s.stats.chunksSent.Add(1)
	}

	s.logger.Debug("message fragmented",
		slog.String("client_id", s.ID),
		slog.String("message_id", out.frame.ID),
		slog.Int("size", len(out.encoded)),
		slog.Int("chunks", len(chunks)))
	return nil
}

// retryLater schedules the next transmission of p, or gives up when the
// retry budget is spent.
func (s *Session) retryLater(p *pendingAck, cause error) {
	p.stopTimers()

	d := p.policy.NextBackOff()
	if d == backoff.Stop {
		s.exhaust(p, cause)
		return
	}

	p.phase = phaseBackoff
	p.gen++
	gen := p.gen
	id := p.id()
	p.retryTimer = s.after(d, func() {
		s.resend(id, gen)
	})

	s.logger.Debug("message retry scheduled",
		slog.String("client_id", s.ID),
		slog.String("message_id", id),
		slog.Int("attempts", p.attempts),
		slog.Duration("delay", d),
		slog.String("error", cause.Error()))
}

func (s *Session) resend(id string, gen uint64) {
	p := s.inflight.get(id)
	if p == nil || p.gen != gen || p.phase != phaseBackoff {
		return
	}
	p.retryTimer = nil

	if !s.state.IsOpen() {
		p.phase = phaseQueued
		s.queue.requeue([]*outbound{p.out})
		return
	}
	s.transmit(p.out)
}

func (s *Session) onDeadline(id string, gen uint64) {
	p := s.inflight.get(id)
	if p == nil || p.gen != gen || p.phase != phaseAwaitingAck {
		return
	}
	p.deadlineTimer = nil

	err := fmt.Errorf("message %s not acknowledged within %s: %w", id, s.opts.AckTimeout, ErrAckTimeout)
	if p.out.handle.resolve(err) {
		s.notifyError(err)
	}
	s.retryLater(p, ErrAckTimeout)
}

func (s *Session) exhaust(p *pendingAck, cause error) {
	p.stopTimers()
	s.inflight.remove(p.id())
	s.metrics.RecordInflight(-1)
	s.stats.dropped.Add(1)
	s.metrics.RecordDrop("retry_exhausted")

	err := fmt.Errorf("message %s after %d attempts: %w (last error: %v)", p.id(), p.attempts, ErrRetryExhausted, cause)
	p.out.handle.settle(err)
	s.notifyError(err)

	s.logger.Warn("message dropped",
		slog.String("client_id", s.ID),
		slog.String("message_id", p.id()),
		slog.Uint64("sequence", p.out.frame.Sequence),
		slog.Int("attempts", p.attempts),
		slog.String("error", cause.Error()))
}

// onAck settles the acknowledged message. Unknown and repeated
// acknowledgments are ignored.
func (s *Session) onAck(id string) {
	p := s.inflight.get(id)
	if p == nil {
		return
	}

	p.stopTimers()
	s.inflight.remove(id)
	s.metrics.RecordInflight(-1)
	if !p.firstSentAt.IsZero() {
		s.metrics.RecordAckLatency(float64(time.Since(p.firstSentAt).Milliseconds()))
	}
	p.out.handle.settle(nil)
}

// flush writes everything queued while the channel was down.
func (s *Session) flush() {
	for _, out := range s.queue.drain() {
		if out.frame.RequireAck {
			p := s.inflight.get(out.frame.ID)
			if p == nil || p.phase != phaseQueued {
				continue
			}
		}
		s.transmit(out)
	}
}
