// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSChannelRoundTrip(t *testing.T) {
	var serverRecv sink
	accepted := make(chan *WSChannel, 1)
	done := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWSChannel(conn, r.RemoteAddr, 1024)
		accepted <- ch
		done <- ch.ReadLoop(&serverRecv)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWS(ctx, url, nil, 1024)
	require.NoError(t, err)

	var clientRecv sink
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.ReadLoop(&clientRecv) }()

	server := <-accepted
	assert.NotEmpty(t, server.RemoteAddr())
	assert.Equal(t, 1024, server.MaxPayload())

	require.NoError(t, client.Send([]byte(`{"id":"a"}`)))
	require.NoError(t, server.Send([]byte(`{"id":"b"}`)))

	require.Eventually(t, func() bool { return len(serverRecv.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(clientRecv.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"id":"a"}`, serverRecv.messages()[0])
	assert.Equal(t, `{"id":"b"}`, clientRecv.messages()[0])

	assert.ErrorIs(t, client.Send(make([]byte, 2048)), ErrPayloadTooLarge)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server read loop did not stop")
	}
	assert.Equal(t, 1, serverRecv.closes())
	<-clientDone
	assert.Equal(t, 1, clientRecv.closes())
}
