// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/absmach/fluxmesh/message"
)

// InprocScheme prefixes in-process endpoint addresses.
const InprocScheme = "inproc://"

const pipeBuffer = 256

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	done   chan struct{}
	once   *sync.Once
	remote net.Addr
}

// Pipe returns two connected in-process Conns. Envelopes are serialized on
// write so neither side shares memory with the other. Closing either end
// closes both.
func Pipe(a, b string) (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	left := &pipeConn{in: ba, out: ab, done: done, once: once, remote: Addr{Net: "inproc", Name: b}}
	right := &pipeConn{in: ab, out: ba, done: done, once: once, remote: Addr{Net: "inproc", Name: a}}
	return left, right
}

func (c *pipeConn) ReadEnvelope() (*message.Envelope, error) {
	select {
	case data := <-c.in:
		return message.Decode(data)
	case <-c.done:
		select {
		case data := <-c.in:
			return message.Decode(data)
		default:
			return nil, ErrClosed
		}
	}
}

func (c *pipeConn) WriteEnvelope(env *message.Envelope) error {
	data, err := message.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) RemoteAddr() net.Addr {
	return c.remote
}

// Network connects in-process dialers to registered acceptors by name.
type Network struct {
	mu        sync.RWMutex
	acceptors map[string]Acceptor
	down      map[string]bool
	dials     map[string]int
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		acceptors: make(map[string]Acceptor),
		down:      make(map[string]bool),
		dials:     make(map[string]int),
	}
}

// Register binds an acceptor to name. Its address is InprocScheme + name.
func (n *Network) Register(name string, a Acceptor) string {
	n.mu.Lock()
	n.acceptors[name] = a
	n.mu.Unlock()
	return InprocScheme + name
}

// SetDown makes dials to name fail until it is set up again.
func (n *Network) SetDown(name string, down bool) {
	n.mu.Lock()
	n.down[name] = down
	n.mu.Unlock()
}

// Dials returns how many dials were attempted to name.
func (n *Network) Dials(name string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dials[name]
}

// Dial implements Dialer. The acceptor serves the server end on its own
// goroutine until either side closes the pipe.
func (n *Network) Dial(ctx context.Context, addr string) (Conn, error) {
	name := strings.TrimPrefix(addr, InprocScheme)

	n.mu.Lock()
	n.dials[name]++
	a, ok := n.acceptors[name]
	down := n.down[name]
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrNoAcceptor)
	}
	if down {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
	}

	client, server := Pipe("client", name)
	go func() {
		_ = a.ServeConn(context.Background(), server)
		server.Close()
	}()
	return client, nil
}
