// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"time"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
}

// ConnectionConfig throttles connection attempts per source IP.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessageConfig throttles inbound frames per client.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // per second
	Burst   int     `yaml:"burst"`
}

func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: defaultCleanupInterval,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager fronts both limiters for the listeners. A nil or disabled Manager
// allows everything.
type Manager struct {
	ip     *IPRateLimiter
	client *ClientRateLimiter
}

func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled {
		m.client = NewClientRateLimiter(cfg.Message.Rate, cfg.Message.Burst)
	}
	return m
}

// AllowConnection checks a connection attempt from addr.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowRemote checks a connection by the host:port string net/http reports.
func (m *Manager) AllowRemote(remote string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.AllowIP(hostOf(remote))
}

// AllowMessage checks one inbound frame from clientID.
func (m *Manager) AllowMessage(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.AllowMessage(clientID)
}

// OnClientDisconnect drops the frame bucket of a destroyed session.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.RemoveClient(clientID)
}

func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
