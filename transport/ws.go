// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/gorilla/websocket"
)

var (
	_ core.Channel        = (*WSChannel)(nil)
	_ core.PayloadLimiter = (*WSChannel)(nil)
	_ core.Addresser      = (*WSChannel)(nil)
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// WSChannel carries frames as WebSocket text messages.
type WSChannel struct {
	conn       *websocket.Conn
	remoteAddr string
	maxPayload int

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewWSChannel wraps an established connection. Inbound messages larger than
// maxPayload fail the connection.
func NewWSChannel(conn *websocket.Conn, remoteAddr string, maxPayload int) *WSChannel {
	if maxPayload <= 0 {
		maxPayload = core.DefaultMaxPayload
	}
	if remoteAddr == "" {
		remoteAddr = conn.RemoteAddr().String()
	}
	conn.SetReadLimit(int64(maxPayload))

	return &WSChannel{
		conn:         conn,
		remoteAddr:   remoteAddr,
		maxPayload:   maxPayload,
		writeTimeout: defaultWriteTimeout,
	}
}

// DialWS opens a client WebSocket channel to url.
func DialWS(ctx context.Context, url string, header http.Header, maxPayload int) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn, "", maxPayload), nil
}

// Send writes one message. Concurrent writers are serialized.
func (c *WSChannel) Send(data []byte) error {
	if len(data) > c.maxPayload {
		return ErrPayloadTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop feeds inbound messages to r until the connection fails, then
// reports the close. It returns the read error; a normal closure returns nil.
func (c *WSChannel) ReadLoop(r Receiver) error {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			r.HandleClose(c)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		r.HandleMessage(data)
	}
}

// Close sends a close message and closes the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// MaxPayload returns the message size limit.
func (c *WSChannel) MaxPayload() int {
	return c.maxPayload
}

// RemoteAddr returns the peer address.
func (c *WSChannel) RemoteAddr() string {
	return c.remoteAddr
}
