// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"

	"github.com/absmach/eventbridge/core"
)

// AllEvents registers a handler for every event type.
const AllEvents = "all"

// Handler processes a delivered application event.
type Handler func(ctx context.Context, msg *core.Message) error

// ErrorHandler receives asynchronous protocol errors: acknowledgment
// timeouts, retry exhaustion, malformed frames, handler failures and
// connection timeouts.
type ErrorHandler func(err error)

type observers struct {
	mu     sync.RWMutex
	events map[string][]Handler
	errors []ErrorHandler
}

func newObservers() *observers {
	return &observers{
		events: make(map[string][]Handler),
	}
}

func (o *observers) addEvent(eventType string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[eventType] = append(o.events[eventType], h)
}

func (o *observers) addError(h ErrorHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, h)
}

// handlersFor returns the handlers of eventType followed by the catch-all
// handlers, each group in registration order.
func (o *observers) handlersFor(eventType string) []Handler {
	o.mu.RLock()
	defer o.mu.RUnlock()

	typed := o.events[eventType]
	all := o.events[AllEvents]
	if eventType == AllEvents {
		all = nil
	}

	out := make([]Handler, 0, len(typed)+len(all))
	out = append(out, typed...)
	return append(out, all...)
}

func (o *observers) errorHandlers() []ErrorHandler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]ErrorHandler(nil), o.errors...)
}
