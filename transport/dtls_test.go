// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTLSChannelPayloadLimit(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	ch := NewDTLSChannel(c1, 1200)
	assert.Equal(t, 1200-dtlsOverhead, ch.MaxPayload())
	assert.ErrorIs(t, ch.Send(make([]byte, 1200)), ErrPayloadTooLarge)

	assert.Equal(t, DefaultMTU-dtlsOverhead, NewDTLSChannel(c1, 0).MaxPayload())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestDTLSChannelRoundTrip(t *testing.T) {
	cert, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)

	ln, err := dtls.Listen("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	require.NoError(t, err)
	defer ln.Close()

	var serverRecv sink
	accepted := make(chan *DTLSChannel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch := NewDTLSChannel(conn, 1200)
		accepted <- ch
		_ = ch.ReadLoop(&serverRecv)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialDTLS(ctx, ln.Addr().String(), &dtls.Config{
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}, 1200)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte(`{"id":"a"}`)))
	require.Eventually(t, func() bool { return len(serverRecv.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"id":"a"}`, serverRecv.messages()[0])

	server := <-accepted
	var clientRecv sink
	go func() { _ = client.ReadLoop(&clientRecv) }()

	require.NoError(t, server.Send([]byte(`{"id":"b"}`)))
	require.Eventually(t, func() bool { return len(clientRecv.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"id":"b"}`, clientRecv.messages()[0])
}
