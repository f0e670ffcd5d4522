// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/absmach/fluxmesh/config"
	"github.com/absmach/fluxmesh/events"
	"github.com/sony/gobreaker"
)

var (
	ErrNilSender = errors.New("webhook: sender cannot be nil")
	ErrClosed    = errors.New("webhook: notifier closed")
)

// GenericNotifier implements webhook notifications with a worker pool and
// a circuit breaker per endpoint.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	fabricID       string
	endpoints      []endpointConfig
	eventQueue     chan eventJob
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includeContent bool
}

type endpointConfig struct {
	name           string
	url            string
	eventFilters   map[string]bool
	subjectFilters []string
	headers        map[string]string
	timeout        time.Duration
	retryConfig    config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, fabricID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:           ep.Name,
			url:            ep.URL,
			eventFilters:   eventFilters,
			subjectFilters: ep.SubjectFilters,
			headers:        ep.Headers,
			timeout:        timeout,
			retryConfig:    retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:            cfg,
		fabricID:       fabricID,
		endpoints:      endpoints,
		eventQueue:     make(chan eventJob, cfg.QueueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includeContent: cfg.IncludeContent,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Subscribe forwards every event type any endpoint is interested in from
// the emitter to Notify.
func (n *GenericNotifier) Subscribe(e *events.Emitter) []events.HandlerID {
	var ids []events.HandlerID
	for _, t := range events.Types {
		if !n.wants(t) {
			continue
		}
		ids = append(ids, e.On(t, func(ev events.Event) {
			_ = n.Notify(n.ctx, ev)
		}))
	}
	return ids
}

func (n *GenericNotifier) wants(eventType string) bool {
	for _, ep := range n.endpoints {
		if len(ep.eventFilters) == 0 || ep.eventFilters[eventType] {
			return true
		}
	}
	return false
}

// Notify queues event for every matching endpoint.
func (n *GenericNotifier) Notify(ctx context.Context, event events.Event) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if !n.includeContent {
		event = redact(event)
	}

	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, event) {
			continue
		}

		job := eventJob{event: event, endpoint: endpoint}

		select {
		case n.eventQueue <- job:
		default:
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.eventQueue:
				default:
				}
				select {
				case n.eventQueue <- job:
					continue
				default:
				}
			}
			n.logger.Error("webhook queue full, event dropped",
				slog.String("event_type", event.Type()),
				slog.String("endpoint", endpoint.name))
		}
	}

	return nil
}

// redact strips message content from agent message events.
func redact(ev events.Event) events.Event {
	am, ok := ev.(events.AgentMessage)
	if !ok {
		return ev
	}
	am.Message = am.Message.Clone()
	am.Message.Content = nil
	return am
}

func shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
		return false
	}

	if event.Subject() == "" || len(endpoint.subjectFilters) == 0 {
		return true
	}
	for _, filter := range endpoint.subjectFilters {
		if subjectMatches(filter, event.Subject()) {
			return true
		}
	}
	return false
}

// subjectMatches matches a participant or link name against a shell
// pattern such as "agent-*".
func subjectMatches(filter, subject string) bool {
	ok, err := path.Match(filter, subject)
	return err == nil && ok
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends one webhook and schedules a retry on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)

	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) sendWebhook(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.fabricID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

// retryDelay is InitialInterval * Multiplier^attempt, capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to ShutdownTimeout.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}
