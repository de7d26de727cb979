// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package server runs the HTTPS surface of the daemon and manages its
// lifecycle.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"
)

const (
	// DefaultShutdownTimeout bounds how long in-flight requests may drain
	// on shutdown.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds any single request.
	DefaultRequestTimeout = 60 * time.Second
)

// Config holds the configuration for the HTTPS server. CertsDir must hold
// cert.pem and key.pem.
type Config struct {
	Addr            string
	CertsDir        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server wraps an HTTPS server with lifecycle management.
type Server struct {
	httpServer      *http.Server
	certFile        string
	keyFile         string
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New creates a Server for handler. Every request is bounded by the request
// timeout; the write timeout sits slightly above it so the timeout handler,
// not the connection teardown, reports the overrun.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      http.TimeoutHandler(handler, requestTimeout, "request timed out"),
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout + 5*time.Second,
			IdleTimeout:  2 * requestTimeout,
		},
		certFile:        filepath.Join(cfg.CertsDir, "cert.pem"),
		keyFile:         filepath.Join(cfg.CertsDir, "key.pem"),
		logger:          logger.With("component", "server"),
		shutdownTimeout: shutdownTimeout,
	}
}

// Run starts the server and blocks until the context is cancelled, then
// drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		err := s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
