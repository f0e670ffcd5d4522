// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxmesh/config"
	"github.com/absmach/fluxmesh/endpoint"
	"github.com/absmach/fluxmesh/events"
	"github.com/absmach/fluxmesh/fabric"
	"github.com/absmach/fluxmesh/pkg/seal"
	mtls "github.com/absmach/fluxmesh/pkg/tls"
	"github.com/absmach/fluxmesh/presence"
	"github.com/absmach/fluxmesh/ratelimit"
	"github.com/absmach/fluxmesh/server/health"
	"github.com/absmach/fluxmesh/server/otel"
	"github.com/absmach/fluxmesh/server/websocket"
	"github.com/absmach/fluxmesh/transport"
	"github.com/absmach/fluxmesh/webhook"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	roleAll      = "all"
	roleEndpoint = "endpoint"
	roleFabric   = "fabric"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	role := flag.String("role", roleAll, "Process role: all, endpoint or fabric")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch *role {
	case roleAll, roleEndpoint, roleFabric:
	default:
		slog.Error("Unknown role", "role", *role)
		os.Exit(1)
	}
	runEndpoints := *role != roleFabric
	runFabric := *role != roleEndpoint

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting fluxmesh", "version", "0.1.0", "role", *role)
	slog.Info("Configuration loaded",
		"primary_listener", cfg.Server.PrimaryAddr,
		"backup_listener", cfg.Server.BackupAddr,
		"ws_path", cfg.Server.WSPath,
		"endpoint_url", cfg.Fabric.EndpointURL,
		"backup_urls", cfg.Fabric.BackupURLs,
		"participant", cfg.Fabric.ParticipantID,
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Fabric.ParticipantID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("fluxmesh")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	var hosted []*endpoint.Endpoint
	if runEndpoints {
		rateLimitManager := ratelimit.NewManager(cfg.RateLimit)
		defer rateLimitManager.Stop()
		if cfg.RateLimit.Enabled {
			slog.Info("Rate limiting enabled",
				slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
				slog.Bool("message", cfg.RateLimit.Message.Enabled),
				slog.Bool("join", cfg.RateLimit.Join.Enabled))
		} else {
			slog.Info("Rate limiting disabled")
		}

		tlsCfg, err := mtls.LoadTLSConfig(&cfg.Server.TLS)
		if err != nil {
			slog.Error("Failed to build endpoint TLS configuration", "error", err)
			os.Exit(1)
		}
		slog.Info("Endpoint transport security", "status", mtls.SecurityStatus(tlsCfg))

		slots := []struct {
			name string
			addr string
		}{
			{name: "primary", addr: cfg.Server.PrimaryAddr},
			{name: "backup", addr: cfg.Server.BackupAddr},
		}
		for _, slot := range slots {
			if slot.addr == "" {
				continue
			}

			opts := []endpoint.Option{
				endpoint.WithLogger(logger),
				endpoint.WithRateLimiter(rateLimitManager),
				endpoint.WithPresence(presence.New(presence.WithThreshold(cfg.Fabric.OnlineThreshold))),
				endpoint.WithIdle(cfg.Endpoint.IdleProbe, cfg.Endpoint.IdleTimeout),
				endpoint.WithReapInterval(cfg.Endpoint.ReapInterval),
				endpoint.WithSendBuffer(cfg.Endpoint.SendBuffer),
				endpoint.WithHandshakeTimeout(cfg.Endpoint.HandshakeTimeout),
			}
			if metrics != nil {
				opts = append(opts, endpoint.WithMetrics(metrics))
			}
			if len(cfg.Endpoint.Tokens) > 0 {
				opts = append(opts, endpoint.WithAuthenticator(tokenAuthenticator(cfg.Endpoint.Tokens)))
			}
			ep := endpoint.New(slot.name, opts...)
			defer ep.Close()
			hosted = append(hosted, ep)

			wsCfg := websocket.Config{
				Address:         slot.addr,
				Path:            cfg.Server.WSPath,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				AllowedOrigins:  cfg.Server.AllowedOrigins,
				TLSConfig:       tlsCfg,
			}
			wsServer := websocket.New(wsCfg, ep, rateLimitManager, logger)

			wg.Add(1)
			go func(name, addr string, server *websocket.Server) {
				defer wg.Done()
				slog.Info("Starting endpoint", "name", name, "address", addr, "path", cfg.Server.WSPath)
				if err := server.Listen(ctx); err != nil {
					serverErr <- fmt.Errorf("endpoint %s: %w", name, err)
				}
			}(slot.name, slot.addr, wsServer)
		}
	}

	var f *fabric.Fabric
	if runFabric {
		opts := []fabric.Option{fabric.WithLogger(logger)}
		if metrics != nil {
			opts = append(opts, fabric.WithMetrics(metrics))
		}
		if tracer != nil {
			opts = append(opts, fabric.WithTracer(tracer))
		}

		key, err := cfg.Fabric.DecodeSealKey()
		if err != nil {
			slog.Error("Invalid seal key", "error", err)
			os.Exit(1)
		}
		if key != nil {
			sealer, err := seal.New(key)
			if err != nil {
				slog.Error("Failed to initialize content sealing", "error", err)
				os.Exit(1)
			}
			opts = append(opts, fabric.WithSealer(sealer))
			slog.Info("Content sealing enabled")
		}

		if cfg.Webhook.Enabled {
			wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Fabric.ParticipantID, webhook.NewHTTPSender(), logger)
			if err != nil {
				slog.Error("Failed to initialize webhooks", "error", err)
				os.Exit(1)
			}
			defer wh.Close()
			opts = append(opts, fabric.WithNotifier(wh))
			slog.Info("Webhooks enabled",
				"type", "http",
				"endpoints", len(cfg.Webhook.Endpoints),
				"workers", cfg.Webhook.Workers,
				"queue_size", cfg.Webhook.QueueSize)
		} else {
			slog.Info("Webhooks disabled")
		}

		f = fabric.New(cfg.Fabric, opts...)
		f.On(events.TypeExhausted, func(ev events.Event) {
			slog.Warn("Endpoint link gave up reconnecting", "link", ev.Subject())
		})

		dialer := transport.WSDialer{
			HandshakeTimeout: cfg.Endpoint.HandshakeTimeout,
			WriteTimeout:     cfg.Server.WriteTimeout,
		}
		if err := f.Connect(dialer); err != nil {
			slog.Error("Failed to connect fabric", "error", err)
			os.Exit(1)
		}
		if err := f.Start(ctx); err != nil {
			slog.Error("Failed to start fabric", "error", err)
			os.Exit(1)
		}
		defer f.Stop()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		var eps []health.Endpoint
		for _, ep := range hosted {
			eps = append(eps, ep)
		}
		var hf health.Fabric
		if f != nil {
			hf = f
		}
		healthServer := health.New(healthCfg, hf, eps, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("health: %w", err)
			}
		}()
	}

	slog.Info("fluxmesh started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if f != nil {
		f.Stop()
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("fluxmesh stopped")
}

// tokenAuthenticator accepts participants presenting any configured token.
func tokenAuthenticator(tokens []string) endpoint.Authenticator {
	return func(participantID, token string) error {
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", endpoint.ErrUnauthorized, participantID)
	}
}
