// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dtls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/eventbridge/ratelimit"
	"github.com/absmach/eventbridge/session"
	"github.com/absmach/eventbridge/transport"
	piondtls "github.com/pion/dtls/v3"
)

// ClientIDPrefix prefixes the remote address to form a DTLS client id.
const ClientIDPrefix = "dtls:"

var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

type Config struct {
	Address          string
	TLSConfig        *piondtls.Config
	MTU              int
	MaxConnections   int
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	Logger           *slog.Logger
}

// Server accepts DTLS associations and attaches each to the session of its
// remote address.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	manager  *session.Manager
	limiter  *ratelimit.Manager
	listener net.Listener
	connSem  chan struct{}
}

// New creates a DTLS server. limiter may be nil.
func New(cfg Config, m *session.Manager, limiter *ratelimit.Manager) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MTU <= 0 {
		cfg.MTU = transport.DefaultMTU
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		manager: m,
		limiter: limiter,
		connSem: connSem,
	}
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	if s.config.TLSConfig == nil {
		return nil, fmt.Errorf("dtls config is nil")
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", s.config.Address, err)
	}

	listener, err := piondtls.Listen("udp", addr, s.config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("dtls_server_started",
		slog.String("address", listener.Addr().String()),
		slog.Int("mtu", s.config.MTU),
		slog.Bool("mtls", s.config.TLSConfig.ClientAuth == piondtls.RequireAndVerifyClientCert))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("dtls_accept_failed", slog.String("error", err.Error()))
				continue
			}

			if !s.limiter.AllowConnection(conn.RemoteAddr()) {
				s.config.Logger.Warn("dtls_connection_rate_limited",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			if !s.tryAcquireConnectionSlot(conn) {
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	default:
		s.config.Logger.Warn("dtls_connection_limit_reached",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	remote := conn.RemoteAddr().String()
	if dc, ok := conn.(*piondtls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(connCtx, s.config.HandshakeTimeout)
		err := dc.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			s.config.Logger.Warn("dtls_handshake_failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			conn.Close()
			return
		}
	}

	clientID := ClientIDPrefix + remote
	ch := transport.NewDTLSChannel(conn, s.config.MTU)
	defer ch.Close()
	stop := context.AfterFunc(connCtx, func() { ch.Close() })
	defer stop()

	sess, _, err := s.manager.Attach(clientID, ch)
	if err != nil {
		s.config.Logger.Warn("dtls_attach_failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}

	s.config.Logger.Debug("dtls_connection_established", slog.String("client_id", clientID))

	recv := transport.Gate(sess, func() bool { return s.limiter.AllowMessage(clientID) })
	if err := ch.ReadLoop(recv); err != nil {
		s.config.Logger.Debug("dtls_read_error",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
	s.config.Logger.Debug("dtls_connection_closed", slog.String("client_id", clientID))
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("dtls_server_shutdown_initiated")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("dtls_listener_close_failed", slog.String("error", err.Error()))
	}

	<-acceptDone
	connCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("dtls_server_stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("dtls_shutdown_timeout_exceeded")
		return ErrShutdownTimeout
	}
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
