// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/transport"
)

var _ transport.Acceptor = (*Endpoint)(nil)

// ServeConn performs the subscribe handshake on conn and then pumps
// envelopes in both directions until the connection ends.
func (e *Endpoint) ServeConn(ctx context.Context, conn transport.Conn) error {
	if e.closed.Load() {
		conn.Close()
		return ErrClosed
	}
	if !e.limiter.Allow(conn.RemoteAddr()) {
		_ = conn.WriteEnvelope(message.Error("", ErrRateLimited))
		conn.Close()
		e.metrics.MessageDropped(e.name, "connection_rate_limited")
		return ErrRateLimited
	}

	sub, err := e.handshake(conn)
	if err != nil {
		id := ""
		if sub != nil {
			id = sub.ID
		}
		_ = conn.WriteEnvelope(message.Error(id, err))
		conn.Close()
		return err
	}

	c, err := e.register(sub.ParticipantID, conn, conn.RemoteAddr().String())
	if err != nil {
		_ = conn.WriteEnvelope(message.Error(sub.ID, err))
		conn.Close()
		return err
	}
	if err := conn.WriteEnvelope(message.Subscribed(c.participantID, c.id)); err != nil {
		e.Disconnect(c.id, ReasonWriteError)
		return err
	}

	go e.writePump(c)

	stop := context.AfterFunc(ctx, func() { e.Disconnect(c.id, ReasonShutdown) })
	defer stop()

	return e.readPump(c)
}

// handshake waits for the subscribe envelope. The envelope is returned
// alongside the error when one was read.
func (e *Endpoint) handshake(conn transport.Conn) (*message.Envelope, error) {
	type result struct {
		env *message.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.ReadEnvelope()
		ch <- result{env: env, err: err}
	}()

	timer := time.NewTimer(e.handshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.env.Type != message.TypeSubscribe {
			return r.env, fmt.Errorf("%w: got %s", ErrHandshake, r.env.Type)
		}
		if e.auth != nil {
			if err := e.auth(r.env.ParticipantID, r.env.Token); err != nil {
				return r.env, fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
		}
		return r.env, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: timed out", ErrHandshake)
	}
}

func (e *Endpoint) readPump(c *Connection) error {
	for {
		env, err := c.conn.ReadEnvelope()
		if err != nil {
			reason := ReasonReadError
			if errors.Is(err, transport.ErrClosed) {
				reason = ReasonClosed
			}
			e.Disconnect(c.id, reason)
			if reason == ReasonClosed {
				return nil
			}
			return err
		}
		if err := e.HandleInbound(c.id, env); err != nil && errors.Is(err, ErrUnknownConnection) {
			return nil
		}
	}
}

func (e *Endpoint) writePump(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.conn.WriteEnvelope(env); err != nil {
				e.logger.Debug("write failed",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()))
				e.Disconnect(c.id, ReasonWriteError)
				return
			}
		}
	}
}
