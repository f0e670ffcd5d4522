// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket exposes a transport.Acceptor over HTTP websockets.
package websocket

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxmesh/transport"
	"github.com/gorilla/websocket"
)

// ConnLimiter decides whether a new connection from addr may be upgraded.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	TLSConfig       *tls.Config // nil serves plain ws
}

type Server struct {
	config   Config
	acceptor transport.Acceptor
	limiter  ConnLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, acceptor transport.Acceptor, limiter ConnLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/fabric"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		acceptor: acceptor,
		limiter:  limiter,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         cfg.TLSConfig,
	}

	return s
}

// Handler returns the HTTP handler serving the upgrade path.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		s.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(remoteAddr(r)) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	conn := transport.NewWSConn(ws, r.RemoteAddr, s.config.WriteTimeout)
	if err := s.acceptor.ServeConn(s.ctx, conn); err != nil {
		s.logger.Debug("websocket_connection_ended",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
	conn.Close()
}

func remoteAddr(r *http.Request) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		return addr
	}
	return transport.Addr{Net: "websocket", Name: r.RemoteAddr}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
