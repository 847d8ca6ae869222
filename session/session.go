// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements reliable, ordered application messaging over a
// data channel that may drop, duplicate or reorder messages.
//
// Each Session owns one event loop. Frame processing, timer callbacks and
// channel state changes all run as short tasks on that loop, so the
// sequence counter, reorder buffer, duplicate filter and pending
// acknowledgments are never mutated concurrently.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/fragment"
	"github.com/absmach/eventbridge/liveness"
	"github.com/absmach/eventbridge/ordering"
	"github.com/absmach/eventbridge/server/otel"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/eventbridge/session"

// Session is the protocol instance of one client.
type Session struct {
	// Identity
	ID string

	opts    Options
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	// Channel (nil when disconnected)
	ch         core.Channel
	state      *core.StateManager
	breaker    *gobreaker.CircuitBreaker
	maxPayload int
	chunkSize  int
	remoteAddr atomic.Value

	// Event loop
	mb      *mailbox
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closing bool

	// Sequence counter and reset epoch, guarded by seqMu
	seqMu    sync.Mutex
	nextSeq  uint64
	seqEpoch uint64

	// Reliability state, owned by the loop
	inflight *inflightTracker
	queue    *sendQueue
	order    *ordering.Buffer[*core.Message]
	frags    *fragment.Reassembler
	live     *liveness.Monitor

	liveTimer *time.Timer
	liveGen   uint64
	fragTimer *time.Timer
	fragSweep time.Duration

	observers *observers
	stats     *Stats

	createdAt      time.Time
	connectedAt    atomic.Int64
	disconnectedAt atomic.Int64
}

// New creates a session and starts its event loop. The session queues sends
// until a channel is attached with HandleOpen.
func New(clientID string, opts Options) *Session {
	opts = opts.withDefaults()
	now := time.Now()

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otelapi.Tracer(tracerName)
	}

	fragTTL := opts.Fragments.GroupTTL
	if fragTTL <= 0 {
		fragTTL = fragment.DefaultGroupTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         clientID,
		opts:       opts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     tracer,
		state:      core.NewStateManager(),
		breaker:    newBreaker(clientID, opts.BreakerThreshold, opts.BreakerTimeout, opts.Logger),
		maxPayload: opts.payloadLimit(core.DefaultMaxPayload),
		mb:         newMailbox(),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   newInflightTracker(),
		queue:      newSendQueue(opts.MaxQueueSize),
		order:      ordering.New[*core.Message](opts.Ordering),
		frags:      fragment.NewReassembler(opts.Fragments),
		live:       liveness.New(opts.Liveness, now),
		fragSweep:  max(fragTTL/4, 10*time.Millisecond),
		observers:  newObservers(),
		stats:      NewStats(),
		createdAt:  now,
	}
	s.chunkSize = opts.chunkSize(s.maxPayload)
	s.remoteAddr.Store("")

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)

	for {
		<-s.mb.notify
		for _, task := range s.mb.take() {
			task()
		}
		if s.closing {
			for _, task := range s.mb.close() {
				task()
			}
			return
		}
	}
}

// call runs fn on the loop and waits for it. It returns false if the loop
// has exited; the session state is then quiescent. It must not be called
// from the loop itself.
func (s *Session) call(fn func()) bool {
	ran := make(chan struct{})
	if !s.mb.post(func() {
		fn()
		close(ran)
	}) {
		<-s.done
		return false
	}

	select {
	case <-ran:
		return true
	case <-s.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// after schedules fn on the loop once d elapses.
func (s *Session) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		s.mb.post(fn)
	})
}

// HandleOpen attaches a writable channel. Queued and re-queued messages are
// flushed in order. An already attached channel is closed and treated as
// lost.
func (s *Session) HandleOpen(ch core.Channel) {
	if !s.mb.post(func() { s.open(ch) }) {
		_ = ch.Close()
	}
}

// HandleClose reports that ch closed. A nil ch refers to the current
// channel. Notifications for a channel that was already replaced are
// ignored.
func (s *Session) HandleClose(ch core.Channel) {
	s.mb.post(func() {
		if ch != nil && ch != s.ch {
			return
		}
		s.disconnect("closed")
	})
}

// HandleError reports a channel error. The channel is not closed.
func (s *Session) HandleError(err error) {
	s.mb.post(func() {
		if s.closing {
			return
		}
		s.stats.errors.Add(1)
		s.metrics.RecordError("channel")
		s.logger.Warn("data channel error",
			slog.String("client_id", s.ID),
			slog.String("error", err.Error()))
		s.notifyError(err)
	})
}

func (s *Session) open(ch core.Channel) {
	if s.closing {
		_ = ch.Close()
		return
	}

	if s.ch == ch && s.state.IsOpen() {
		return
	}
	if s.ch != nil && s.state.IsOpen() {
		old := s.ch
		s.disconnect("replaced")
		_ = old.Close()
	}

	now := time.Now()
	s.ch = ch
	s.state.Set(core.StateOpen)
	s.connectedAt.Store(now.UnixNano())
	if a, ok := ch.(core.Addresser); ok {
		s.remoteAddr.Store(a.RemoteAddr())
	}

	s.maxPayload = s.opts.payloadLimit(core.MaxPayload(ch))
	s.chunkSize = s.opts.chunkSize(s.maxPayload)

	s.live.Reset(now)
	s.armLiveness()
	s.metrics.RecordChannelOpen()

	s.logger.Info("data channel open",
		slog.String("client_id", s.ID),
		slog.String("remote_addr", s.RemoteAddr()),
		slog.Int("queued", s.queue.len()),
		slog.Int("inflight", s.inflight.count()),
		slog.Int("max_payload", s.maxPayload))

	s.flush()
}

// disconnect detaches the current channel. Unacknowledged messages with
// retry budget left are re-queued in sequence order; a disconnect consumes
// one retry of every message awaiting acknowledgment.
func (s *Session) disconnect(reason string) {
	if !s.state.IsOpen() {
		return
	}

	s.state.Set(core.StateClosed)
	s.ch = nil
	s.disconnectedAt.Store(time.Now().UnixNano())
	s.stopLiveness()

	s.stats.connectionLosses.Add(1)
	s.metrics.RecordConnectionLoss(reason)

	var requeue []*outbound
	for _, p := range s.inflight.all() {
		switch p.phase {
		case phaseQueued:
			continue
		case phaseAwaitingAck:
			p.stopTimers()
			if p.policy.NextBackOff() == backoff.Stop {
				s.exhaust(p, core.ErrChannelClosed)
				continue
			}
		case phaseBackoff:
			p.stopTimers()
		}
		p.gen++
		p.phase = phaseQueued
		requeue = append(requeue, p.out)
	}
	s.queue.requeue(requeue)

	s.logger.Info("data channel lost",
		slog.String("client_id", s.ID),
		slog.String("reason", reason),
		slog.Int("requeued", len(requeue)),
		slog.Int("queued", s.queue.len()))
}

// Disconnect closes the attached channel. The session and its pending work
// are kept for the next HandleOpen.
func (s *Session) Disconnect(reason string) {
	s.mb.post(func() {
		ch := s.ch
		if ch == nil {
			return
		}
		s.disconnect(reason)
		_ = ch.Close()
	})
}

// Close tears the session down. Outstanding handles are rejected with
// ErrCancelled and the channel, if any, is closed. Close blocks until the
// loop exits, so handlers must not call it synchronously.
func (s *Session) Close() error {
	s.mb.post(s.teardown)
	<-s.done
	return nil
}

func (s *Session) teardown() {
	if s.closing {
		return
	}
	s.closing = true

	s.stopLiveness()
	if s.fragTimer != nil {
		s.fragTimer.Stop()
		s.fragTimer = nil
	}

	s.cancelOutbound()

	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
		s.metrics.RecordConnectionLoss("session_closed")
	}
	s.state.Set(core.StateClosed)
	s.cancel()

	s.logger.Debug("session closed", slog.String("client_id", s.ID))
}

// cancelOutbound rejects every queued or unacknowledged event with
// ErrCancelled.
func (s *Session) cancelOutbound() int {
	cancelled := make(map[*Handle]struct{})
	for _, p := range s.inflight.all() {
		p.stopTimers()
		p.gen++
		p.out.handle.settle(ErrCancelled)
		cancelled[p.out.handle] = struct{}{}
		s.metrics.RecordInflight(-1)
	}
	s.inflight.clear()

	for _, out := range s.queue.drain() {
		out.handle.settle(ErrCancelled)
		cancelled[out.handle] = struct{}{}
	}
	return len(cancelled)
}

// Reset restarts sequencing: the outbound counter and the inbound ordering
// and reassembly state. Both peers are expected to reset together. Events
// still queued or awaiting acknowledgment carry numbers from the old
// sequence and are rejected with ErrCancelled.
func (s *Session) Reset() {
	s.call(func() {
		cancelled := s.cancelOutbound()
		s.seqMu.Lock()
		s.nextSeq = 0
		s.seqEpoch++
		s.seqMu.Unlock()
		s.order.Reset()
		s.frags.Reset()
		s.logger.Debug("sequences reset",
			slog.String("client_id", s.ID),
			slog.Int("cancelled", cancelled))
	})
}

func (s *Session) armLiveness() {
	s.stopLiveness()
	gen := s.liveGen
	s.liveTimer = s.after(s.live.Interval(), func() {
		s.checkLiveness(gen)
	})
}

func (s *Session) stopLiveness() {
	s.liveGen++
	if s.liveTimer != nil {
		s.liveTimer.Stop()
		s.liveTimer = nil
	}
}

func (s *Session) checkLiveness(gen uint64) {
	if gen != s.liveGen || s.closing || !s.state.IsOpen() {
		return
	}
	s.liveTimer = nil

	now := time.Now()
	status, fired := s.live.Check(now)
	switch status {
	case liveness.TimedOut:
		if fired {
			idle := now.Sub(s.live.LastReceived()).Truncate(time.Millisecond)
			s.metrics.RecordConnectionTimeout()
			s.logger.Warn("connection timed out",
				slog.String("client_id", s.ID),
				slog.Duration("idle", idle))
			s.notifyError(fmt.Errorf("client %s idle for %s: %w", s.ID, idle, ErrConnectionTimeout))
		}
	case liveness.Stale:
		s.writeControl(core.NewHeartbeatFrame(""))
	}

	s.armLiveness()
}

func (s *Session) armFragmentSweep() {
	if s.fragTimer != nil || s.frags.Len() == 0 {
		return
	}
	s.fragTimer = s.after(s.fragSweep, s.sweepFragments)
}

func (s *Session) sweepFragments() {
	s.fragTimer = nil
	if s.closing {
		return
	}

	for _, id := range s.frags.Expire(time.Now()) {
		s.stats.errors.Add(1)
		s.metrics.RecordError("fragment_expired")
		s.notifyError(fmt.Errorf("group %s: %w", id, ErrFragmentExpired))
	}
	s.armFragmentSweep()
}

// OnEvent registers a handler for an event type, or for every type with
// AllEvents. Handlers run on the session loop in registration order.
func (s *Session) OnEvent(eventType string, h Handler) {
	s.observers.addEvent(eventType, h)
}

// OnError registers a handler for asynchronous protocol errors.
func (s *Session) OnError(h ErrorHandler) {
	s.observers.addError(h)
}

func (s *Session) notifyError(err error) {
	for _, h := range s.observers.errorHandlers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("error handler panicked",
						slog.String("client_id", s.ID),
						slog.Any("panic", r))
				}
			}()
			h(err)
		}()
	}
}

// Statistics returns the session counters.
func (s *Session) Statistics() map[string]uint64 {
	return s.stats.Snapshot()
}

// State returns the channel state.
func (s *Session) State() core.State {
	return s.state.Get()
}

// IsConnected reports whether a writable channel is attached.
func (s *Session) IsConnected() bool {
	return s.state.IsOpen()
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the address of the last attached channel, if known.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr.Load().(string)
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// DisconnectedAt returns when the channel was last lost, or the zero time.
func (s *Session) DisconnectedAt() time.Time {
	if ns := s.disconnectedAt.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}
