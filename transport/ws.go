// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/internal/bufpool"
	"github.com/absmach/fluxmesh/message"
	"github.com/gorilla/websocket"
)

// Websocket defaults.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

type wsConn struct {
	ws           *websocket.Conn
	remoteAddr   net.Addr
	writeTimeout time.Duration

	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an established websocket. Envelopes travel as JSON text
// frames.
func NewWSConn(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration) Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ws.SetReadLimit(DefaultReadLimit)

	var addr net.Addr = Addr{Net: "websocket", Name: remoteAddr}
	if remoteAddr == "" {
		addr = ws.RemoteAddr()
	}
	return &wsConn{
		ws:           ws,
		remoteAddr:   addr,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ReadEnvelope() (*message.Envelope, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return message.Decode(data)
	}
}

func (c *wsConn) WriteEnvelope(env *message.Envelope) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := message.EncodeTo(buf, env); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wmu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()

	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WSDialer dials websocket endpoints.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Dial connects to a ws:// or wss:// URL.
func (d WSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, addr, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", addr, err, resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("dial %s: %w: %w", addr, ErrUnreachable, err)
	}
	return NewWSConn(ws, addr, d.WriteTimeout), nil
}
