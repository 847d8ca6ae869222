// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"math/rand/v2"
	"sync"

	"github.com/absmach/eventbridge/core"
)

var (
	_ core.Channel        = (*PipeEnd)(nil)
	_ core.PayloadLimiter = (*PipeEnd)(nil)
	_ core.Addresser      = (*PipeEnd)(nil)
)

// Faults describes how a pipe mistreats messages. Rates are probabilities
// in [0, 1] applied per message.
type Faults struct {
	DropRate      float64
	DuplicateRate float64
	// ReorderRate holds a message back until the next one has passed.
	ReorderRate float64
}

// PipeConfig configures an in-memory pipe.
type PipeConfig struct {
	Faults     Faults
	MaxPayload int
	Seed       uint64
}

// pipe is the shared state of both ends.
type pipe struct {
	mu         sync.Mutex
	faults     Faults
	rng        *rand.Rand
	maxPayload int
	closed     bool
}

// PipeEnd is one side of an in-memory message channel that can drop,
// duplicate and reorder what it carries. It is meant for tests and
// simulations of unreliable links.
type PipeEnd struct {
	p    *pipe
	name string
	peer *PipeEnd

	mu   sync.Mutex
	recv Receiver
	held []byte
}

// NewPipe returns two connected ends.
func NewPipe(cfg PipeConfig) (*PipeEnd, *PipeEnd) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = core.DefaultMaxPayload
	}
	p := &pipe{
		faults:     cfg.Faults,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		maxPayload: cfg.MaxPayload,
	}
	a := &PipeEnd{p: p, name: "pipe-a"}
	b := &PipeEnd{p: p, name: "pipe-b"}
	a.peer, b.peer = b, a
	return a, b
}

// Attach sets the receiver of messages arriving at this end.
func (e *PipeEnd) Attach(r Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = r
}

// SetFaults changes fault injection for both directions.
func (e *PipeEnd) SetFaults(f Faults) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.faults = f
}

// Send carries data to the other end, subject to the configured faults.
func (e *PipeEnd) Send(data []byte) error {
	p := e.p
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.ErrChannelClosed
	}
	if len(data) > p.maxPayload {
		p.mu.Unlock()
		return ErrPayloadTooLarge
	}
	drop := p.rng.Float64() < p.faults.DropRate
	dup := p.rng.Float64() < p.faults.DuplicateRate
	hold := p.rng.Float64() < p.faults.ReorderRate
	p.mu.Unlock()

	if drop {
		return nil
	}
	e.peer.receive(data, dup, hold)
	return nil
}

func (e *PipeEnd) receive(data []byte, dup, hold bool) {
	e.mu.Lock()
	r := e.recv
	var out [][]byte
	if hold && e.held == nil {
		e.held = data
	} else {
		out = append(out, data)
		if dup {
			out = append(out, data)
		}
		if e.held != nil {
			out = append(out, e.held)
			e.held = nil
		}
	}
	e.mu.Unlock()

	if r == nil {
		return
	}
	for _, m := range out {
		r.HandleMessage(m)
	}
}

// Close closes both ends and notifies both receivers. Held messages are
// lost.
func (e *PipeEnd) Close() error {
	p := e.p
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, end := range []*PipeEnd{e, e.peer} {
		end.mu.Lock()
		r := end.recv
		end.held = nil
		end.mu.Unlock()
		if r != nil {
			r.HandleClose(end)
		}
	}
	return nil
}

// MaxPayload returns the largest message the pipe carries.
func (e *PipeEnd) MaxPayload() int {
	return e.p.maxPayload
}

// RemoteAddr names the other end.
func (e *PipeEnd) RemoteAddr() string {
	return e.peer.name
}
