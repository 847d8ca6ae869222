// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/eventbridge/core"
)

// Aggregate statistic keys reported by Manager.Statistics in addition to the
// summed session counters.
const (
	StatActiveSessions     = "active_sessions"
	StatConnectedClients   = "connected_clients"
	StatQueuedMessages     = "queued_messages"
	StatPendingAcks        = "pending_acks"
	StatActiveChunkBuffers = "active_chunk_buffers"
)

// ManagerConfig bounds the sessions a Manager keeps.
type ManagerConfig struct {
	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int
	// ExpiryInterval is how long a session without a channel is kept.
	// Zero keeps detached sessions until removed.
	ExpiryInterval time.Duration
}

// ClientStatus describes one client's session.
type ClientStatus struct {
	ClientID       string            `json:"client_id"`
	Connected      bool              `json:"connected"`
	State          string            `json:"state"`
	RemoteAddr     string            `json:"remote_addr,omitempty"`
	QueuedMessages int               `json:"queued_messages"`
	PendingAcks    int               `json:"pending_acks"`
	Statistics     map[string]uint64 `json:"statistics"`
	Reliability    ReliabilityStatus `json:"reliability"`
}

// Manager keeps one session per client id across channel reconnects.
type Manager struct {
	mu    sync.Mutex // serializes attach and removal
	cache Cache
	opts  Options
	cfg   ManagerConfig

	logger *slog.Logger

	// Counters of removed sessions, so aggregates survive removal.
	statsMu sync.Mutex
	retired map[string]uint64

	// Callbacks
	onSessionCreate  func(*Session)
	onSessionDestroy func(*Session)

	// Background tasks
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a session manager. Every session it creates uses opts.
func NewManager(opts Options, cfg ManagerConfig) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		cache:   NewShardedCache(),
		opts:    opts,
		cfg:     cfg,
		logger:  opts.Logger,
		retired: make(map[string]uint64),
		stopCh:  make(chan struct{}),
	}

	if cfg.ExpiryInterval > 0 {
		m.wg.Add(1)
		go m.expiryLoop()
	}

	return m
}

// SetOnSessionCreate sets a callback run synchronously for every new
// session before its first channel is attached. Handlers registered there
// see every inbound event.
func (m *Manager) SetOnSessionCreate(fn func(*Session)) {
	m.onSessionCreate = fn
}

// SetOnSessionDestroy sets a callback run after a session is removed.
func (m *Manager) SetOnSessionDestroy(fn func(*Session)) {
	m.onSessionDestroy = fn
}

// Attach binds ch to the session of clientID, creating the session if
// needed. A channel already attached to the session is closed and treated as
// lost. Returns the session and whether it was created.
func (m *Manager) Attach(clientID string, ch core.Channel) (*Session, bool, error) {
	if clientID == "" {
		return nil, false, ErrEmptyClientID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopCh:
		return nil, false, ErrCancelled
	default:
	}

	s := m.cache.Get(clientID)
	created := false
	if s == nil {
		if m.cfg.MaxSessions > 0 && m.cache.Count() >= m.cfg.MaxSessions {
			return nil, false, fmt.Errorf("%w (max %d)", ErrMaxSessions, m.cfg.MaxSessions)
		}
		s = New(clientID, m.opts)
		m.cache.Add(clientID, s)
		created = true

		if m.onSessionCreate != nil {
			m.onSessionCreate(s)
		}
		m.logger.Debug("session created", slog.String("client_id", clientID))
	}

	s.HandleOpen(ch)
	return s, created, nil
}

// Detach reports that ch of clientID closed. The session is kept so that
// queued and unacknowledged messages survive a reconnect.
func (m *Manager) Detach(clientID string, ch core.Channel) {
	if s := m.cache.Get(clientID); s != nil {
		s.HandleClose(ch)
	}
}

// Get returns the session of clientID, or nil.
func (m *Manager) Get(clientID string) *Session {
	return m.cache.Get(clientID)
}

// Remove closes and forgets the session of clientID.
func (m *Manager) Remove(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.cache.Get(clientID)
	if s == nil {
		return fmt.Errorf("client %s: %w", clientID, ErrSessionNotFound)
	}
	m.removeLocked(s)
	return nil
}

// removeLocked must be called with mu held.
func (m *Manager) removeLocked(s *Session) {
	if !m.cache.Delete(s.ID, s) {
		return
	}
	_ = s.Close()
	m.retire(s.Statistics())

	if m.onSessionDestroy != nil {
		go m.onSessionDestroy(s)
	}
	m.logger.Debug("session removed", slog.String("client_id", s.ID))
}

func (m *Manager) retire(stats map[string]uint64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	for k, v := range stats {
		m.retired[k] += v
	}
}

// Send sends payload to one client. With requireAck it waits for the
// acknowledgment or the first failure.
func (m *Manager) Send(ctx context.Context, clientID string, payload json.RawMessage, requireAck bool) error {
	s := m.cache.Get(clientID)
	if s == nil {
		return fmt.Errorf("client %s: %w", clientID, ErrSessionNotFound)
	}
	return s.SendEvent(ctx, payload, requireAck)
}

// Broadcast sends payload to every connected client except exclude and
// returns how many sends were submitted. With requireAck it waits for all
// of them; failures are joined.
func (m *Manager) Broadcast(ctx context.Context, payload json.RawMessage, exclude string, requireAck bool) (int, error) {
	var (
		errs    []error
		handles []*Handle
		targets []string
	)

	for _, s := range m.cache.Sessions() {
		if s.ID == exclude || !s.IsConnected() {
			continue
		}
		h, err := s.Send(payload, requireAck)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", s.ID, err))
			continue
		}
		handles = append(handles, h)
		targets = append(targets, s.ID)
	}

	if requireAck {
		for i, h := range handles {
			if err := h.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("client %s: %w", targets[i], err))
			}
		}
	}

	return len(handles), errors.Join(errs...)
}

// Clients returns the ids of connected clients in order.
func (m *Manager) Clients() []string {
	var ids []string
	for _, s := range m.cache.Sessions() {
		if s.IsConnected() {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// IsConnected reports whether clientID has an open channel.
func (m *Manager) IsConnected(clientID string) bool {
	s := m.cache.Get(clientID)
	return s != nil && s.IsConnected()
}

// ClientStatus describes the session of clientID.
func (m *Manager) ClientStatus(clientID string) (ClientStatus, error) {
	s := m.cache.Get(clientID)
	if s == nil {
		return ClientStatus{}, fmt.Errorf("client %s: %w", clientID, ErrSessionNotFound)
	}

	rs := s.ReliabilityStatus()
	return ClientStatus{
		ClientID:       s.ID,
		Connected:      s.IsConnected(),
		State:          rs.State,
		RemoteAddr:     s.RemoteAddr(),
		QueuedMessages: rs.QueuedMessages,
		PendingAcks:    rs.PendingAcks,
		Statistics:     s.Statistics(),
		Reliability:    rs,
	}, nil
}

// Statistics sums the counters of all sessions, including removed ones,
// and adds the aggregate gauges.
func (m *Manager) Statistics() map[string]uint64 {
	m.statsMu.Lock()
	out := make(map[string]uint64, len(m.retired)+5)
	for k, v := range m.retired {
		out[k] = v
	}
	m.statsMu.Unlock()

	var connected, queued, pending, chunks uint64
	sessions := m.cache.Sessions()
	for _, s := range sessions {
		for k, v := range s.Statistics() {
			out[k] += v
		}
		if s.IsConnected() {
			connected++
		}
		rs := s.ReliabilityStatus()
		queued += uint64(rs.QueuedMessages)
		pending += uint64(rs.PendingAcks)
		chunks += uint64(rs.PendingFragments)
	}

	out[StatActiveSessions] = uint64(len(sessions))
	out[StatConnectedClients] = connected
	out[StatQueuedMessages] = queued
	out[StatPendingAcks] = pending
	out[StatActiveChunkBuffers] = chunks
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	return m.cache.Count()
}

// ConnectedCount returns the number of connected sessions.
func (m *Manager) ConnectedCount() int {
	return m.cache.ConnectedCount()
}

func (m *Manager) expiryLoop() {
	defer m.wg.Done()

	tick := min(max(m.cfg.ExpiryInterval/2, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireSessions(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// expireSessions removes sessions that have been without a channel for
// longer than the expiry interval.
func (m *Manager) expireSessions(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.cache.Sessions() {
		if s.IsConnected() {
			continue
		}
		since := s.DisconnectedAt()
		if since.IsZero() {
			since = s.CreatedAt()
		}
		if now.Sub(since) > m.cfg.ExpiryInterval {
			m.logger.Info("session expired",
				slog.String("client_id", s.ID),
				slog.Duration("detached", now.Sub(since).Truncate(time.Millisecond)))
			m.removeLocked(s)
		}
	}
}

// Close stops the manager and closes every session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.cache.Sessions() {
		m.removeLocked(s)
	}
	return nil
}
