// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

// DefaultMaxPayload is the assumed single-message limit of a data channel.
const DefaultMaxPayload = 64 * 1024

var (
	// ErrMalformedFrame is returned when inbound bytes cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrChannelClosed is returned by channels written after close.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is the duplex transport a session writes frames to.
// Transports feed the opposite direction into the session
// (open, message, close, error).
type Channel interface {
	Send(data []byte) error
	Close() error
}

// PayloadLimiter is implemented by channels that know their single-message
// size limit.
type PayloadLimiter interface {
	MaxPayload() int
}

// MaxPayload returns the channel's payload limit, or DefaultMaxPayload.
func MaxPayload(ch Channel) int {
	if l, ok := ch.(PayloadLimiter); ok {
		if n := l.MaxPayload(); n > 0 {
			return n
		}
	}
	return DefaultMaxPayload
}

// Addresser is implemented by channels bound to a remote endpoint.
type Addresser interface {
	RemoteAddr() string
}
