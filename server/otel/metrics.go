// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxmesh/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for endpoints and the fabric.
type Metrics struct {
	meter metric.Meter

	// Endpoint
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	connectionsCurrent  metric.Int64UpDownCounter
	messagesRouted      metric.Int64Counter
	deliveries          metric.Int64Histogram
	dropsTotal          metric.Int64Counter

	// Fabric
	messagesSent    metric.Int64Counter
	messagesQueued  metric.Int64Counter
	messagesFailed  metric.Int64Counter
	failoversTotal  metric.Int64Counter
	responseLatency metric.Float64Histogram
}

// NewMetrics creates a Metrics instance using the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates a Metrics instance on the given provider.
func NewMetricsFrom(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter("fluxmesh"),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"fluxmesh.connections.total",
		metric.WithDescription("Total number of accepted participant connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"fluxmesh.disconnections.total",
		metric.WithDescription("Total number of closed connections by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"fluxmesh.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.messagesRouted, err = m.meter.Int64Counter(
		"fluxmesh.messages.routed.total",
		metric.WithDescription("Total messages routed by endpoints"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRouted counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Histogram(
		"fluxmesh.message.deliveries",
		metric.WithDescription("Connections reached per routed message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries histogram: %w", err)
	}

	m.dropsTotal, err = m.meter.Int64Counter(
		"fluxmesh.messages.dropped.total",
		metric.WithDescription("Total messages dropped by endpoints"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropsTotal counter: %w", err)
	}

	m.messagesSent, err = m.meter.Int64Counter(
		"fluxmesh.fabric.messages.sent.total",
		metric.WithDescription("Total messages handed to the active endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesQueued, err = m.meter.Int64Counter(
		"fluxmesh.fabric.messages.queued.total",
		metric.WithDescription("Total messages placed on the dispatch queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesQueued counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"fluxmesh.fabric.messages.failed.total",
		metric.WithDescription("Total messages that could not be sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	m.failoversTotal, err = m.meter.Int64Counter(
		"fluxmesh.fabric.failovers.total",
		metric.WithDescription("Total endpoint failovers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failoversTotal counter: %w", err)
	}

	m.responseLatency, err = m.meter.Float64Histogram(
		"fluxmesh.fabric.response.latency.ms",
		metric.WithDescription("Request to response latency in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create responseLatency histogram: %w", err)
	}

	return m, nil
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(endpoint string) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint))
	m.connectionsTotal.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, 1, attrs)
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(endpoint, reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// MessageRouted records a routed message and its fan-out.
func (m *Metrics) MessageRouted(endpoint string, p message.Priority, deliveries int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("priority", p.String()),
	)
	m.messagesRouted.Add(ctx, 1, attrs)
	m.deliveries.Record(ctx, int64(deliveries), attrs)
}

// MessageDropped records a message an endpoint refused or could not deliver.
func (m *Metrics) MessageDropped(endpoint, reason string) {
	m.dropsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

// MessageSent records a message transmitted by the fabric.
func (m *Metrics) MessageSent(p message.Priority, immediate bool) {
	m.messagesSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", p.String()),
		attribute.Bool("immediate", immediate),
	))
}

// MessageQueued records a message placed on the dispatch queue.
func (m *Metrics) MessageQueued(p message.Priority) {
	m.messagesQueued.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", p.String()),
	))
}

// MessageFailed records a message the fabric gave up on.
func (m *Metrics) MessageFailed(p message.Priority, reason string) {
	m.messagesFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", p.String()),
		attribute.String("reason", reason),
	))
}

// ResponseLatency records a request to response round trip.
func (m *Metrics) ResponseLatency(d time.Duration) {
	m.responseLatency.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

// Failover records a switch of the active endpoint.
func (m *Metrics) Failover(from, to string) {
	m.failoversTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
