// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package liveness tracks peer activity and decides when a connection is
// stale or dead.
package liveness

import (
	"sync"
	"time"
)

// Liveness defaults.
const (
	DefaultInterval   = 45 * time.Second
	DefaultTimeout    = 120 * time.Second
	DefaultProbeRatio = 0.75
)

// Status is the health of a connection.
type Status int

const (
	Healthy Status = iota
	Stale
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Stale:
		return "stale"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config configures a Monitor. Zero values select the defaults.
type Config struct {
	// Interval is the check period.
	Interval time.Duration
	// Timeout is the inbound silence after which the peer is considered dead.
	Timeout time.Duration
	// ProbeRatio is the fraction of Interval after which silence is stale.
	ProbeRatio float64
}

// Monitor holds the liveness state of one connection. The timeout is driven
// by inbound frames only; outbound traffic is recorded so that overall
// activity can be reported, but it cannot keep a silent peer alive.
type Monitor struct {
	mu           sync.RWMutex
	cfg          Config
	lastReceived time.Time
	lastSent     time.Time
	signaled     bool
}

// New creates a monitor whose clock starts at now.
func New(cfg Config, now time.Time) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProbeRatio <= 0 || cfg.ProbeRatio >= 1 {
		cfg.ProbeRatio = DefaultProbeRatio
	}
	return &Monitor{
		cfg:          cfg,
		lastReceived: now,
		lastSent:     now,
	}
}

// Interval returns the configured check period.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Touch records inbound activity and re-arms the timeout signal.
func (m *Monitor) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.After(m.lastReceived) {
		m.lastReceived = now
	}
	m.signaled = false
}

// MarkSent records outbound activity.
func (m *Monitor) MarkSent(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.After(m.lastSent) {
		m.lastSent = now
	}
}

// LastActivity returns the most recent inbound or outbound activity.
func (m *Monitor) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastSent.After(m.lastReceived) {
		return m.lastSent
	}
	return m.lastReceived
}

// LastReceived returns the time of the last inbound frame.
func (m *Monitor) LastReceived() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReceived
}

// Status classifies the connection without consuming the timeout signal.
func (m *Monitor) Status(now time.Time) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status(now)
}

func (m *Monitor) status(now time.Time) Status {
	idle := now.Sub(m.lastReceived)
	switch {
	case idle > m.cfg.Timeout:
		return TimedOut
	case idle > time.Duration(float64(m.cfg.Interval)*m.cfg.ProbeRatio):
		return Stale
	default:
		return Healthy
	}
}

// Check classifies the connection. fired is true only for the first check
// that observes TimedOut since the last Touch, so a dead peer produces a
// single timeout signal.
func (m *Monitor) Check(now time.Time) (status Status, fired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status = m.status(now)
	if status == TimedOut && !m.signaled {
		m.signaled = true
		fired = true
	}
	return status, fired
}

// Reset restarts the clock, typically when a channel (re)opens.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastReceived = now
	m.lastSent = now
	m.signaled = false
}
