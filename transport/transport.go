// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts concrete data channels (WebSocket, DTLS and an
// in-memory lossy pipe) to core.Channel and feeds what they read into a
// Receiver.
package transport

import (
	"errors"

	"github.com/absmach/eventbridge/core"
)

// ErrPayloadTooLarge is returned when a message exceeds the channel limit.
var ErrPayloadTooLarge = errors.New("payload exceeds channel limit")

// Receiver consumes the inbound side of a channel. *session.Session
// implements it.
type Receiver interface {
	HandleMessage(data []byte)
	HandleClose(ch core.Channel)
	HandleError(err error)
}

// Gate returns a Receiver that passes a message on only when allow returns
// true. Close and error notifications always pass.
func Gate(r Receiver, allow func() bool) Receiver {
	return &gate{Receiver: r, allow: allow}
}

type gate struct {
	Receiver
	allow func() bool
}

func (g *gate) HandleMessage(data []byte) {
	if g.allow() {
		g.Receiver.HandleMessage(data)
	}
}
