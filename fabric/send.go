// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxmesh/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outgoing describes a message to send.
type Outgoing struct {
	From             string
	To               string // empty broadcasts
	Room             string // overrides To
	Content          any
	Kind             message.Kind
	Priority         message.Priority
	RequiresResponse bool
	ResponseToID     string
	Metadata         map[string]any
}

// Send builds a message from out and delivers it according to its
// priority. The message id is returned even when delivery fails, so
// callers can correlate the failure. A full dispatch lane yields
// ErrDropped.
func (f *Fabric) Send(ctx context.Context, out Outgoing) (string, error) {
	if out.Kind == "" {
		out.Kind = message.KindData
	}
	if out.ResponseToID != "" && out.Kind == message.KindData {
		out.Kind = message.KindResponse
	}
	msg, err := message.New(out.From, out.To, out.Content, out.Kind, out.Priority)
	if err != nil {
		return "", err
	}
	msg.RequiresResponse = out.RequiresResponse
	msg.ResponseToID = out.ResponseToID
	msg.Room = out.Room
	if len(out.Metadata) > 0 {
		msg.Metadata = make(map[string]any, len(out.Metadata))
		for k, v := range out.Metadata {
			msg.Metadata[k] = v
		}
	}

	return msg.ID, f.SendMessage(ctx, msg)
}

// Broadcast sends content to every participant.
func (f *Fabric) Broadcast(ctx context.Context, from string, content any, kind message.Kind, priority message.Priority, metadata map[string]any) (string, error) {
	return f.Send(ctx, Outgoing{
		From:     from,
		Content:  content,
		Kind:     kind,
		Priority: priority,
		Metadata: metadata,
	})
}

// SendMessage delivers a prebuilt message.
func (f *Fabric) SendMessage(ctx context.Context, msg message.Message) (err error) {
	if err := msg.Validate(); err != nil {
		return err
	}
	if f.isStopped() {
		return ErrStopped
	}

	if f.tracer != nil {
		var span trace.Span
		_, span = f.tracer.Start(ctx, "fabric.send",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("message.id", msg.ID),
				attribute.String("message.from", msg.FromID),
				attribute.String("message.to", msg.ToID),
				attribute.String("message.room", msg.Room),
				attribute.String("message.priority", msg.Priority.String()),
				attribute.Bool("message.requires_response", msg.RequiresResponse),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	f.history.Append(msg)
	f.stats.count(msg.Priority)

	if msg.RequiresResponse {
		if _, err := f.correlator.Expect(msg.ID, f.cfg.ResponseTimeout); err != nil {
			f.stats.failed.Add(1)
			f.metrics.MessageFailed(msg.Priority, "correlation")
			return fmt.Errorf("expect response to %s: %w", msg.ID, err)
		}
	}

	wire, err := f.outbound(msg)
	if err != nil {
		f.stats.failed.Add(1)
		f.metrics.MessageFailed(msg.Priority, "seal")
		f.correlator.Reject(msg.ID, err)
		return err
	}

	if msg.Priority.Urgent() {
		terr := f.transmit(wire)
		if terr == nil {
			f.metrics.MessageSent(msg.Priority, true)
			return nil
		}
		f.logger.Debug("immediate delivery failed, queueing",
			slog.String("message_id", msg.ID),
			slog.String("priority", msg.Priority.String()),
			slog.String("error", terr.Error()))
	}

	return f.enqueue(wire)
}

// AwaitResponse waits for the reply to id. Messages sent with
// RequiresResponse are already pending; other ids are registered now.
// A zero timeout uses the configured response timeout.
func (f *Fabric) AwaitResponse(ctx context.Context, id string, timeout time.Duration) (message.Message, error) {
	if timeout <= 0 {
		timeout = f.cfg.ResponseTimeout
	}
	return f.correlator.Await(ctx, id, timeout)
}

// AwaitAck waits for an acknowledgement of id using the ack timeout.
func (f *Fabric) AwaitAck(ctx context.Context, id string) (message.Message, error) {
	return f.correlator.Await(ctx, id, f.cfg.AckTimeout)
}

// IsPending reports whether id is awaiting a response.
func (f *Fabric) IsPending(id string) bool {
	return f.correlator.Has(id)
}

func (f *Fabric) outbound(msg message.Message) (message.Message, error) {
	if f.sealer == nil {
		return msg, nil
	}
	return f.sealer.Seal(msg)
}

func (f *Fabric) transmit(msg message.Message) error {
	topo := f.Topology()
	if topo == nil {
		return ErrNoTopology
	}
	if err := topo.Send(msg); err != nil {
		return err
	}
	if rtt := topo.ActiveLink().RTT(); rtt > 0 {
		f.stats.observeLatency(rtt)
	}
	return nil
}

func (f *Fabric) enqueue(msg message.Message) error {
	if err := f.queue.TryEnqueue(msg); err != nil {
		f.stats.failed.Add(1)
		f.metrics.MessageFailed(msg.Priority, "lane_full")
		f.correlator.Reject(msg.ID, err)
		f.emitDropped(msg, "lane_full")
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}
	f.metrics.MessageQueued(msg.Priority)
	f.kick()
	return nil
}

func (f *Fabric) kick() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// drainLoop hands queued messages to the active link whenever it is
// healthy, highest priority first.
func (f *Fabric) drainLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		case <-f.queue.Ready():
		case <-ticker.C:
		}
		f.Drain()
	}
}

// Drain moves queued messages to the active link until the queue is empty
// or the link fails. It returns the number delivered.
func (f *Fabric) Drain() int {
	topo := f.Topology()
	if topo == nil {
		return 0
	}

	sent := 0
	for topo.ActiveHealthy() {
		msg, ok := f.queue.DequeueHighest()
		if !ok {
			break
		}
		if err := f.transmit(msg); err != nil {
			if !f.queue.Requeue(msg) {
				f.stats.failed.Add(1)
				f.metrics.MessageFailed(msg.Priority, "lane_full")
				f.correlator.Reject(msg.ID, err)
				f.emitDropped(msg, "requeue_failed")
			}
			f.logger.Debug("drain paused",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
			break
		}
		f.metrics.MessageSent(msg.Priority, false)
		sent++
	}
	return sent
}

func (f *Fabric) isStopped() bool {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	return f.stopped
}
