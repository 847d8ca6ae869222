// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/pion/dtls/v3"
)

var (
	_ core.Channel        = (*DTLSChannel)(nil)
	_ core.PayloadLimiter = (*DTLSChannel)(nil)
	_ core.Addresser      = (*DTLSChannel)(nil)
)

const (
	// DefaultMTU is the datagram size assumed for DTLS channels.
	DefaultMTU = 1200
	// dtlsOverhead is the record header, nonce and tag of an AEAD record.
	dtlsOverhead = 64
	// maxRecordSize bounds a DTLS application data record.
	maxRecordSize = 16384
)

// DTLSChannel carries one frame per DTLS record. The channel limit follows
// the MTU, so most events travel fragmented.
type DTLSChannel struct {
	conn net.Conn
	mtu  int

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewDTLSChannel wraps an established DTLS connection.
func NewDTLSChannel(conn net.Conn, mtu int) *DTLSChannel {
	if mtu <= dtlsOverhead {
		mtu = DefaultMTU
	}
	return &DTLSChannel{
		conn:         conn,
		mtu:          mtu,
		writeTimeout: defaultWriteTimeout,
	}
}

// DialDTLS connects to a DTLS server and completes the handshake.
func DialDTLS(ctx context.Context, addr string, cfg *dtls.Config, mtu int) (*DTLSChannel, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := dtls.Dial("udp", raddr, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewDTLSChannel(conn, mtu), nil
}

// Send writes one record.
func (c *DTLSChannel) Send(data []byte) error {
	if len(data) > c.MaxPayload() {
		return ErrPayloadTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// ReadLoop feeds inbound records to r until the connection fails, then
// reports the close.
func (c *DTLSChannel) ReadLoop(r Receiver) error {
	buf := make([]byte, maxRecordSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			r.HandleClose(c)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.HandleMessage(buf[:n])
	}
}

// Close closes the connection.
func (c *DTLSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// MaxPayload returns the largest frame that fits one datagram.
func (c *DTLSChannel) MaxPayload() int {
	return c.mtu - dtlsOverhead
}

// RemoteAddr returns the peer address.
func (c *DTLSChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
