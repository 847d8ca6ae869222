// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dtls

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/session"
	"github.com/absmach/eventbridge/transport"
	piondtls "github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func testOptions() session.Options {
	opts := session.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Tracer = noop.NewTracerProvider().Tracer("test")
	opts.AckTimeout = time.Second
	return opts
}

func TestServerDeliversOverDTLS(t *testing.T) {
	cert, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)

	m := session.NewManager(testOptions(), session.ManagerConfig{})
	defer m.Close()

	received := make(chan *core.Message, 1)
	m.SetOnSessionCreate(func(s *session.Session) {
		s.OnEvent("reading", func(_ context.Context, msg *core.Message) error {
			received <- msg
			return nil
		})
	})

	srv := New(Config{
		Address: "127.0.0.1:0",
		TLSConfig: &piondtls.Config{
			Certificates:         []tls.Certificate{cert},
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		},
		MaxConnections:  4,
		ShutdownTimeout: 2 * time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	ch, err := transport.DialDTLS(dialCtx, srv.Addr().String(), &piondtls.Config{
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
	}, 0)
	require.NoError(t, err)

	client := session.New("server", testOptions())
	defer client.Close()
	go func() { _ = ch.ReadLoop(client) }()
	client.HandleOpen(ch)

	require.NoError(t, client.SendEvent(dialCtx, json.RawMessage(`{"reading":{"value":21.5}}`), true))

	select {
	case msg := <-received:
		assert.Equal(t, "reading", msg.Type)
	case <-dialCtx.Done():
		t.Fatal("event not delivered")
	}

	clients := m.Clients()
	require.Len(t, clients, 1)
	assert.True(t, strings.HasPrefix(clients[0], ClientIDPrefix))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerRequiresTLSConfig(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0"}, nil, nil)
	assert.Error(t, srv.Listen(context.Background()))
}
