// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook posts fabric events to external HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxmesh/events"
)

// Notifier delivers fabric events asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking)
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send posts payload to url. Returns error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
