// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/eventbridge/codec"
	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/fragment"
	"github.com/absmach/eventbridge/ordering"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleMessage feeds one message received from the channel. The data is
// copied, so transports may reuse their read buffers.
func (s *Session) HandleMessage(data []byte) {
	data = bytes.Clone(data)
	s.mb.post(func() { s.dispatch(data) })
}

func (s *Session) dispatch(data []byte) {
	if s.closing {
		return
	}

	now := time.Now()
	s.live.Touch(now)

	f, err := codec.Decode(data)
	if err != nil {
		s.stats.errors.Add(1)
		s.metrics.RecordError("malformed_frame")
		s.logger.Debug("dropping malformed frame",
			slog.String("client_id", s.ID),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()))
		s.notifyError(err)
		return
	}
	s.metrics.RecordFrameReceived(f.Kind.String(), int64(len(data)))

	switch f.Kind {
	case core.KindAck:
		s.onAck(f.MessageID)
	case core.KindHeartbeat:
		if !f.IsHeartbeatResponse() {
			s.writeControl(core.NewHeartbeatFrame(f.ID))
		}
	case core.KindFragment:
		s.onChunk(f, now)
	case core.KindEvent:
		s.onEvent(f, now)
	}
}

func (s *Session) onChunk(f *core.Frame, now time.Time) {
	s.stats.chunksReceived.Add(1)

	status, data, err := s.frags.Add(fragment.Chunk{
		GroupID:    f.GroupID,
		Index:      f.ChunkIndex,
		Total:      f.ChunkTotal,
		Last:       f.Last,
		Data:       f.Data,
		RequireAck: f.RequireAck,
	}, now)
	if err != nil {
		s.stats.errors.Add(1)
		s.metrics.RecordError("invalid_chunk")
		s.notifyError(fmt.Errorf("chunk %d of group %s: %w", f.ChunkIndex, f.GroupID, err))
		return
	}

	switch status {
	case fragment.Pending:
		s.armFragmentSweep()
	case fragment.Duplicate:
		// The sender lost our acknowledgment of a completed group.
		if f.RequireAck {
			s.writeControl(core.NewAckFrame(f.GroupID))
		}
	case fragment.Complete:
		inner, err := codec.Decode(data)
		if err == nil && inner.Kind != core.KindEvent {
			err = fmt.Errorf("%w: group %s carries %s", core.ErrMalformedFrame, f.GroupID, inner.Kind)
		}
		if err != nil {
			s.stats.errors.Add(1)
			s.metrics.RecordError("malformed_frame")
			s.notifyError(err)
			return
		}
		s.onEvent(inner, now)
	}
}

func (s *Session) onEvent(f *core.Frame, now time.Time) {
	s.stats.messagesReceived.Add(1)

	created := f.Timestamp
	if created.IsZero() {
		created = now
	}
	msg := &core.Message{
		ID:         f.ID,
		ClientID:   s.ID,
		Type:       codec.PayloadType(f.Payload),
		Sequence:   f.Sequence,
		RequireAck: f.RequireAck,
		Payload:    f.Payload,
		CreatedAt:  created,
	}

	verdict, ready := s.order.Accept(f.ID, f.Sequence, msg)
	switch verdict {
	case ordering.Overflow:
		// No acknowledgment: the sender retransmits once the gap closes.
		s.stats.errors.Add(1)
		s.metrics.RecordError("reorder_overflow")
		s.notifyError(fmt.Errorf("message %s sequence %d: %w", f.ID, f.Sequence, ErrReorderOverflow))
		return
	case ordering.Stale:
		s.stats.duplicates.Add(1)
		s.metrics.RecordDuplicate()
	case ordering.Buffered:
		s.stats.outOfOrder.Add(1)
		s.metrics.RecordOutOfOrder()
	}

	if f.RequireAck && f.ID != "" {
		s.writeControl(core.NewAckFrame(f.ID))
	}

	for _, m := range ready {
		s.deliver(m)
	}
}

// deliver hands msg to the handlers of its type, then to the catch-all
// handlers. A failing handler does not stop the others.
func (s *Session) deliver(msg *core.Message) {
	s.stats.eventsProcessed.Add(1)
	s.metrics.RecordEventDelivered(msg.Type)

	ctx, span := s.tracer.Start(s.ctx, "eventbridge.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("client_id", s.ID),
			attribute.String("message_id", msg.ID),
			attribute.String("event_type", msg.Type),
			attribute.Int64("sequence", int64(msg.Sequence)),
		))
	defer span.End()

	for _, h := range s.observers.handlersFor(msg.Type) {
		if err := invoke(ctx, h, msg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.stats.errors.Add(1)
			s.metrics.RecordError("handler")
			s.logger.Warn("event handler failed",
				slog.String("client_id", s.ID),
				slog.String("event_type", msg.Type),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
			s.notifyError(err)
		}
	}
}

func invoke(ctx context.Context, h Handler, msg *core.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}
