// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoURL              = errors.New("no endpoint URL configured")
	ErrEmptyParticipantID = errors.New("participant ID cannot be empty")
	ErrInvalidAttempts    = errors.New("max reconnect attempts cannot be negative")

	// Connection errors.
	ErrNotConnected    = errors.New("client not connected")
	ErrConnectFailed   = errors.New("connection failed")
	ErrConnectRejected = errors.New("connection rejected by endpoint")
	ErrConnectTimeout  = errors.New("connection timeout")
	ErrConnectionLost  = errors.New("connection lost")
	ErrClientClosed    = errors.New("client has been closed")
	ErrUnexpectedReply = errors.New("unexpected handshake reply")

	// Operation errors.
	ErrOutboxFull = errors.New("outbox is full")
	ErrEmptyRoom  = errors.New("room name cannot be empty")
)
