// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"time"

	"github.com/absmach/eventbridge/config"
	"github.com/absmach/eventbridge/fragment"
	"github.com/absmach/eventbridge/liveness"
	"github.com/absmach/eventbridge/ordering"
	"github.com/absmach/eventbridge/server/otel"
	"go.opentelemetry.io/otel/trace"
)

// Protocol defaults.
const (
	DefaultAckTimeout       = 5 * time.Second
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultMaxQueueSize     = 1000
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 10 * time.Second

	// envelopeOverhead is the room left in a channel message for the chunk
	// envelope around base64 data.
	envelopeOverhead = 256
)

// Options holds options for creating a new session.
type Options struct {
	AckTimeout     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int

	// ChunkSize is the raw byte size of a fragment. It is lowered to fit the
	// channel's payload limit.
	ChunkSize int
	// MaxPayload caps the channel limit. Zero uses the channel's own limit.
	MaxPayload   int
	MaxQueueSize int

	Liveness  liveness.Config
	Ordering  ordering.Config
	Fragments fragment.Config

	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics // nil if metrics disabled
	Tracer  trace.Tracer  // nil uses the global provider
}

// DefaultOptions returns default session options.
func DefaultOptions() Options {
	return Options{
		AckTimeout:       DefaultAckTimeout,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		MaxRetries:       DefaultMaxRetries,
		ChunkSize:        fragment.DefaultChunkSize,
		MaxQueueSize:     DefaultMaxQueueSize,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerTimeout:   DefaultBreakerTimeout,
	}
}

// OptionsFromConfig maps protocol configuration onto session options.
func OptionsFromConfig(cfg config.ProtocolConfig) Options {
	return Options{
		AckTimeout:     cfg.AckTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		MaxRetries:     cfg.MaxRetries,
		ChunkSize:      cfg.ChunkSize,
		MaxPayload:     cfg.MaxPayload,
		MaxQueueSize:   cfg.MaxQueueSize,
		Liveness: liveness.Config{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.ConnectionTimeout,
		},
		Ordering: ordering.Config{
			MaxPending:    cfg.MaxReorderBuffer,
			DeliveredSize: cfg.DeliveredSetSize,
		},
		Fragments: fragment.Config{
			GroupTTL:  cfg.FragmentTTL,
			MaxGroups: cfg.MaxFragmentGroups,
		},
		BreakerThreshold: cfg.CircuitBreaker.FailureThreshold,
		BreakerTimeout:   cfg.CircuitBreaker.ResetTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = max(DefaultRetryMaxDelay, o.RetryBaseDelay)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = fragment.DefaultChunkSize
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = DefaultBreakerTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// payloadLimit returns the effective single-message limit for a channel.
func (o Options) payloadLimit(channelLimit int) int {
	if o.MaxPayload > 0 && o.MaxPayload < channelLimit {
		return o.MaxPayload
	}
	return channelLimit
}

// chunkSize returns the raw fragment size that keeps an encoded chunk frame
// within limit.
func (o Options) chunkSize(limit int) int {
	fit := (limit - envelopeOverhead) * 3 / 4
	return max(min(o.ChunkSize, fit), 1)
}
