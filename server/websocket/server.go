// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/ratelimit"
	"github.com/absmach/eventbridge/session"
	"github.com/absmach/eventbridge/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

// ClientIDParam is the query parameter carrying the client id.
const ClientIDParam = "clientId"

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	// MaxConnections caps concurrent connections. Zero is unlimited.
	MaxConnections int
	// MaxPayload is the largest WebSocket message accepted and sent.
	MaxPayload int
	TLSConfig  *tls.Config
}

type Server struct {
	config   Config
	manager  *session.Manager
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// New creates a WebSocket server attaching every connection to the session
// of its client id. limiter may be nil.
func New(cfg Config, m *session.Manager, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" {
		cfg.Path = "/events"
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = core.DefaultMaxPayload
	}

	s := &Server{
		config:  cfg,
		manager: m,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

// Addr returns the listener's network address, or empty string before
// Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("websocket_server_starting",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.config.Path),
		slog.Bool("tls", s.config.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowRemote(r.RemoteAddr) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	clientID := r.URL.Query().Get(ClientIDParam)
	if clientID == "" {
		http.Error(w, "missing "+ClientIDParam, http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	ch := transport.NewWSChannel(ws, r.RemoteAddr, s.config.MaxPayload)
	sess, created, err := s.manager.Attach(clientID, ch)
	if err != nil {
		s.logger.Warn("websocket_attach_failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		_ = ch.Close()
		return
	}

	s.logger.Debug("websocket_connection_accepted",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("new_session", created))

	// Frames over the client's rate are dropped unacknowledged, so the peer
	// retries them.
	recv := transport.Gate(sess, func() bool {
		if s.limiter.AllowMessage(clientID) {
			return true
		}
		s.logger.Debug("inbound_message_rate_limited", slog.String("client_id", clientID))
		return false
	})
	if err := ch.ReadLoop(recv); err != nil {
		s.logger.Debug("websocket_read_error",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
	// The client's frame bucket outlives the connection; it is released
	// when the manager destroys the session.
	_ = ch.Close()
}
