// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the swappable bidirectional envelope transports
// used between connections and endpoints.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/absmach/fluxmesh/message"
)

// Transport errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrNoAcceptor  = errors.New("no acceptor registered for address")
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Conn carries envelopes in both directions.
// WriteEnvelope is safe for concurrent use; ReadEnvelope must be called
// from a single goroutine.
type Conn interface {
	ReadEnvelope() (*message.Envelope, error)
	WriteEnvelope(env *message.Envelope) error
	Close() error
	RemoteAddr() net.Addr
}

// Dialer opens a Conn to an endpoint address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

// Acceptor takes ownership of a server-side Conn and serves it until the
// connection ends or ctx is cancelled.
type Acceptor interface {
	ServeConn(ctx context.Context, conn Conn) error
}

// Addr is a net.Addr for transports without a socket address.
type Addr struct {
	Net  string
	Name string
}

// Network returns the transport name.
func (a Addr) Network() string {
	return a.Net
}

func (a Addr) String() string {
	return a.Name
}
