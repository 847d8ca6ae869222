// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/absmach/eventbridge/core"
)

// Session errors.
var (
	// Delivery errors.
	ErrTransientSend  = errors.New("channel rejected write")
	ErrAckTimeout     = errors.New("acknowledgment timeout")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrCancelled      = errors.New("session closed")
	ErrQueueFull      = errors.New("send queue full")
	ErrInvalidPayload = errors.New("payload is not valid JSON")

	// ErrFragmentExpired reports a fragment group that never completed.
	ErrFragmentExpired = fmt.Errorf("fragment group expired: %w", ErrRetryExhausted)

	// Health errors.
	ErrConnectionTimeout = errors.New("connection timeout")

	// Inbound errors.
	ErrMalformedFrame  = core.ErrMalformedFrame
	ErrReorderOverflow = errors.New("reorder buffer full")
	ErrHandlerPanic    = errors.New("event handler panicked")

	// Pool errors.
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("maximum sessions reached")
	ErrEmptyClientID   = errors.New("client ID cannot be empty")
)
