// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/eventbridge/config"
	"github.com/absmach/eventbridge/core"
	ebtls "github.com/absmach/eventbridge/pkg/tls"
	"github.com/absmach/eventbridge/ratelimit"
	dtlsserver "github.com/absmach/eventbridge/server/dtls"
	"github.com/absmach/eventbridge/server/health"
	"github.com/absmach/eventbridge/server/otel"
	"github.com/absmach/eventbridge/server/websocket"
	"github.com/absmach/eventbridge/session"
	piondtls "github.com/pion/dtls/v3"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting event relay", "version", version)
	slog.Info("Configuration loaded",
		"ws_listener", cfg.Server.WSAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"dtls_listener", cfg.Server.DTLSAddr,
		"dtls_enabled", cfg.Server.DTLSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"ack_timeout", cfg.Protocol.AckTimeout,
		"max_retries", cfg.Protocol.MaxRetries,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		instanceID, err := os.Hostname()
		if err != nil || instanceID == "" {
			instanceID = cfg.Server.OtelServiceName
		}

		shutdown, err := otel.InitProvider(context.Background(), otel.ProviderConfigFromServer(cfg.Server, instanceID))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("eventbridge")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	// Initialize rate limiting
	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rlConfig := ratelimit.Config{
			Enabled: true,
			Connection: ratelimit.ConnectionConfig{
				Enabled:         cfg.RateLimit.Connection.Enabled,
				Rate:            cfg.RateLimit.Connection.Rate,
				Burst:           cfg.RateLimit.Connection.Burst,
				CleanupInterval: cfg.RateLimit.Connection.CleanupInterval,
			},
			Message: ratelimit.MessageConfig{
				Enabled: cfg.RateLimit.Message.Enabled,
				Rate:    cfg.RateLimit.Message.Rate,
				Burst:   cfg.RateLimit.Message.Burst,
			},
		}
		rateLimitManager = ratelimit.NewManager(rlConfig)
		defer rateLimitManager.Stop()

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("message", cfg.RateLimit.Message.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	opts := session.OptionsFromConfig(cfg.Protocol)
	opts.Logger = logger
	opts.Metrics = metrics
	opts.Tracer = tracer

	manager := session.NewManager(opts, session.ManagerConfig{
		MaxSessions:    cfg.Session.MaxSessions,
		ExpiryInterval: cfg.Session.ExpiryInterval,
	})
	manager.SetOnSessionCreate(func(s *session.Session) {
		s.OnEvent(session.AllEvents, echo(s, logger))
		s.OnError(func(err error) {
			if errors.Is(err, session.ErrConnectionTimeout) {
				s.Disconnect("connection_timeout")
				return
			}
			logger.Debug("session_error",
				slog.String("client_id", s.ID),
				slog.String("error", err.Error()))
		})
	})
	manager.SetOnSessionDestroy(func(s *session.Session) {
		rateLimitManager.OnClientDisconnect(s.ID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if cfg.Server.WSEnabled {
		var tlsCfg *tls.Config
		if cfg.Server.TLSEnabled {
			tlsCfg, err = ebtls.LoadTLSConfig[*tls.Config](&ebtls.Config{
				CertFile:     cfg.Server.TLSCertFile,
				KeyFile:      cfg.Server.TLSKeyFile,
				ClientCAFile: cfg.Server.TLSCAFile,
				ClientAuth:   cfg.Server.TLSClientAuth,
			})
			if err != nil {
				slog.Error("Failed to build WebSocket TLS configuration", "error", err)
				os.Exit(1)
			}
		}

		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.WSMaxConn,
			MaxPayload:      cfg.Protocol.MaxPayload,
			TLSConfig:       tlsCfg,
		}, manager, rateLimitManager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server",
				"address", cfg.Server.WSAddr,
				"path", cfg.Server.WSPath,
				"security", ebtls.SecurityStatus(tlsCfg))
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.DTLSEnabled {
		dtlsCfg, err := ebtls.LoadTLSConfig[*piondtls.Config](&ebtls.Config{
			CertFile:     cfg.Server.DTLSCertFile,
			KeyFile:      cfg.Server.DTLSKeyFile,
			ClientCAFile: cfg.Server.TLSCAFile,
			ClientAuth:   cfg.Server.TLSClientAuth,
		})
		if err != nil {
			slog.Error("Failed to build DTLS configuration", "error", err)
			os.Exit(1)
		}
		if dtlsCfg == nil {
			slog.Error("DTLS listener requires dtls_cert_file and dtls_key_file")
			os.Exit(1)
		}

		dtlsServer := dtlsserver.New(dtlsserver.Config{
			Address:         cfg.Server.DTLSAddr,
			TLSConfig:       dtlsCfg,
			MTU:             cfg.Server.DTLSMTU,
			MaxConnections:  cfg.Server.DTLSMaxConn,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          logger,
		}, manager, rateLimitManager)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting DTLS server",
				"address", cfg.Server.DTLSAddr,
				"security", ebtls.SecurityStatus(dtlsCfg))
			if err := dtlsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, manager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Event relay started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	// Closing the sessions closes their channels, which ends the
	// connection handlers the listeners are waiting for.
	if err := manager.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	slog.Info("Session statistics", "stats", manager.Statistics())

	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Event relay stopped")
}

// echo returns a handler that sends every event back to its sender with
// acknowledgment required. It runs on the session loop, so it submits
// without waiting.
func echo(s *session.Session, logger *slog.Logger) session.Handler {
	return func(_ context.Context, msg *core.Message) error {
		h, err := s.Send(msg.Payload, true)
		if err != nil {
			return err
		}
		logger.Debug("event_echoed",
			slog.String("client_id", s.ID),
			slog.String("event_type", msg.Type),
			slog.String("reply_id", h.ID()))
		return nil
	}
}
