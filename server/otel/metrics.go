// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventbridge"

// Metrics holds OpenTelemetry metric instruments for the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	framesSent         metric.Int64Counter
	framesReceived     metric.Int64Counter
	bytesSent          metric.Int64Counter
	bytesReceived      metric.Int64Counter
	eventsDelivered    metric.Int64Counter
	retries            metric.Int64Counter
	drops              metric.Int64Counter
	duplicates         metric.Int64Counter
	outOfOrder         metric.Int64Counter
	connectionLosses   metric.Int64Counter
	connectionTimeouts metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// UpDownCounters (Gauges)
	sessionsActive metric.Int64UpDownCounter
	inflight       metric.Int64UpDownCounter

	// Histograms
	frameSize  metric.Int64Histogram
	ackLatency metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

// NewMetricsWithProvider creates instruments on the given provider.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	return newMetrics(mp.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.framesSent, "eventbridge.frames.sent", "Frames written to data channels"},
		{&m.framesReceived, "eventbridge.frames.received", "Frames read from data channels"},
		{&m.bytesSent, "eventbridge.bytes.sent", "Bytes written to data channels"},
		{&m.bytesReceived, "eventbridge.bytes.received", "Bytes read from data channels"},
		{&m.eventsDelivered, "eventbridge.events.delivered", "Application events delivered in order"},
		{&m.retries, "eventbridge.messages.retried", "Retransmissions of unacknowledged messages"},
		{&m.drops, "eventbridge.messages.dropped", "Messages given up after retry exhaustion"},
		{&m.duplicates, "eventbridge.messages.duplicate", "Inbound duplicates discarded"},
		{&m.outOfOrder, "eventbridge.messages.out_of_order", "Inbound events buffered for reordering"},
		{&m.connectionLosses, "eventbridge.connection.losses", "Data channel closures"},
		{&m.connectionTimeouts, "eventbridge.connection.timeouts", "Liveness timeouts"},
		{&m.errorsTotal, "eventbridge.errors.total", "Protocol errors by type"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"eventbridge.sessions.active",
		metric.WithDescription("Sessions with an open data channel"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.inflight, err = m.meter.Int64UpDownCounter(
		"eventbridge.messages.inflight",
		metric.WithDescription("Messages awaiting acknowledgment"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	m.frameSize, err = m.meter.Int64Histogram(
		"eventbridge.frame.size",
		metric.WithDescription("Encoded frame size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	m.ackLatency, err = m.meter.Float64Histogram(
		"eventbridge.ack.latency",
		metric.WithDescription("Time from first transmission to acknowledgment"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackLatency histogram: %w", err)
	}

	return m, nil
}

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(kind string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.framesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.bytesSent.Add(ctx, sizeBytes)
	m.frameSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("direction", "out")))
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(kind string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.frameSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("direction", "in")))
}

// RecordEventDelivered records an event handed to observers.
func (m *Metrics) RecordEventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordRetry records a retransmission.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1)
}

// RecordDrop records a message given up on.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.drops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordDuplicate records a discarded inbound duplicate.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Add(context.Background(), 1)
}

// RecordOutOfOrder records an inbound event held for reordering.
func (m *Metrics) RecordOutOfOrder() {
	if m == nil {
		return
	}
	m.outOfOrder.Add(context.Background(), 1)
}

// RecordChannelOpen records a data channel becoming writable.
func (m *Metrics) RecordChannelOpen() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// RecordConnectionLoss records a data channel closing.
func (m *Metrics) RecordConnectionLoss(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionLosses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.sessionsActive.Add(ctx, -1)
}

// RecordConnectionTimeout records a liveness timeout.
func (m *Metrics) RecordConnectionTimeout() {
	if m == nil {
		return
	}
	m.connectionTimeouts.Add(context.Background(), 1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordInflight adjusts the number of unacknowledged messages.
func (m *Metrics) RecordInflight(delta int64) {
	if m == nil {
		return
	}
	m.inflight.Add(context.Background(), delta)
}

// RecordAckLatency records the time taken to acknowledge a message.
func (m *Metrics) RecordAckLatency(durationMs float64) {
	if m == nil {
		return
	}
	m.ackLatency.Record(context.Background(), durationMs)
}
