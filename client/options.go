// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxmesh/message"
	"github.com/absmach/fluxmesh/transport"
)

// Default values.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBackoff     = 1 * time.Second
	DefaultMaxReconnectWait     = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHealthWindow         = 60 * time.Second
	DefaultOutboxSize           = 1000
)

// Options configures a Client.
type Options struct {
	// Connection
	Name           string           // Name used in logs and topology (defaults to URL)
	URL            string           // Endpoint address
	ParticipantID  string           // Identity announced in the subscribe handshake
	Token          string           // Opaque token forwarded to the endpoint
	Dialer         transport.Dialer // Transport (nil for websocket)
	ConnectTimeout time.Duration    // Timeout for dial and handshake
	WriteTimeout   time.Duration    // Timeout for a single write

	// Reconnection
	MaxReconnectAttempts int           // Consecutive failures before giving up
	ReconnectBackoff     time.Duration // Delay before the first retry
	MaxReconnectWait     time.Duration // Maximum retry delay

	// Liveness
	HeartbeatInterval time.Duration // Interval between heartbeats (0 to disable)
	HealthWindow      time.Duration // Maximum age of the last heartbeat ack while healthy

	// Buffering
	OutboxSize int // Messages kept while disconnected

	Logger *slog.Logger

	// Callbacks
	OnConnect        func()                                 // Called after each successful handshake
	OnConnectionLost func(error)                            // Called when an established connection drops
	OnReconnecting   func(attempt int, delay time.Duration) // Called when a retry is scheduled
	OnExhausted      func(attempts int)                     // Called when automatic retries stop
	OnMessage        func(msg message.Message)              // Called for inbound agent messages and responses
	OnEnvelope       func(env *message.Envelope)            // Called for other inbound envelopes
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:       DefaultConnectTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBackoff:     DefaultReconnectBackoff,
		MaxReconnectWait:     DefaultMaxReconnectWait,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HealthWindow:         DefaultHealthWindow,
		OutboxSize:           DefaultOutboxSize,
	}
}

// SetName sets the connection name.
func (o *Options) SetName(name string) *Options {
	o.Name = name
	return o
}

// SetURL sets the endpoint address.
func (o *Options) SetURL(url string) *Options {
	o.URL = url
	return o
}

// SetParticipantID sets the participant identity.
func (o *Options) SetParticipantID(id string) *Options {
	o.ParticipantID = id
	return o
}

// SetToken sets the opaque auth token.
func (o *Options) SetToken(token string) *Options {
	o.Token = token
	return o
}

// SetDialer sets the transport dialer.
func (o *Options) SetDialer(d transport.Dialer) *Options {
	o.Dialer = d
	return o
}

// SetConnectTimeout sets the dial and handshake timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetMaxReconnectAttempts sets how many consecutive failures are retried.
func (o *Options) SetMaxReconnectAttempts(n int) *Options {
	o.MaxReconnectAttempts = n
	return o
}

// SetReconnectBackoff sets the base and maximum reconnect delay.
func (o *Options) SetReconnectBackoff(base, max time.Duration) *Options {
	o.ReconnectBackoff = base
	o.MaxReconnectWait = max
	return o
}

// SetHeartbeat sets the heartbeat interval and the health window.
func (o *Options) SetHeartbeat(interval, window time.Duration) *Options {
	o.HeartbeatInterval = interval
	o.HealthWindow = window
	return o
}

// SetOutboxSize sets the disconnected-window buffer size.
func (o *Options) SetOutboxSize(n int) *Options {
	o.OutboxSize = n
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetOnConnect sets the connect callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int, delay time.Duration)) *Options {
	o.OnReconnecting = fn
	return o
}

// SetOnExhausted sets the callback fired when automatic retries stop.
func (o *Options) SetOnExhausted(fn func(attempts int)) *Options {
	o.OnExhausted = fn
	return o
}

// SetOnMessage sets the inbound message callback.
func (o *Options) SetOnMessage(fn func(message.Message)) *Options {
	o.OnMessage = fn
	return o
}

// SetOnEnvelope sets the callback for inbound non-message envelopes.
func (o *Options) SetOnEnvelope(fn func(*message.Envelope)) *Options {
	o.OnEnvelope = fn
	return o
}

// Validate checks required fields and fills unset values with defaults.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrNoURL
	}
	if o.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	if o.MaxReconnectAttempts < 0 {
		return ErrInvalidAttempts
	}
	if o.Name == "" {
		o.Name = o.URL
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.MaxReconnectWait <= 0 {
		o.MaxReconnectWait = DefaultMaxReconnectWait
	}
	if o.MaxReconnectWait < o.ReconnectBackoff {
		o.MaxReconnectWait = o.ReconnectBackoff
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = DefaultHealthWindow
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.Dialer == nil {
		o.Dialer = transport.WSDialer{
			HandshakeTimeout: o.ConnectTimeout,
			WriteTimeout:     o.WriteTimeout,
		}
	}
	return nil
}
