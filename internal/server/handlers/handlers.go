// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers wires the HTTP endpoints of the daemon: the query console,
// the login flow, the /api operation dispatch, and the operational endpoints.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/hpcops/cttd/internal/auth"
	"github.com/hpcops/cttd/internal/authz"
	"github.com/hpcops/cttd/internal/metrics"
	servermw "github.com/hpcops/cttd/internal/server/middleware"
	"github.com/hpcops/cttd/internal/tickets"
	"github.com/hpcops/cttd/pkg/middleware"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	tickets    *tickets.Service
	auth       *auth.Service
	authz      *authz.Enforcer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	schemaJSON []byte
}

// New creates a Handler. It fails when the embedded API schema does not
// validate, so a broken build is caught at startup rather than first request.
func New(ticketSvc *tickets.Service, authSvc *auth.Service, enforcer *authz.Enforcer, m *metrics.Metrics, logger *slog.Logger) (*Handler, error) {
	schemaJSON, err := loadSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{
		tickets:    ticketSvc,
		auth:       authSvc,
		authz:      enforcer,
		metrics:    m,
		logger:     logger,
		schemaJSON: schemaJSON,
	}, nil
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	accessLog := servermw.RequestLog(h.logger, h.metrics)
	routes := middleware.NewRouteBuilder(mux).With(accessLog)

	// Public routes.
	routes.HandleFunc("GET /healthz", h.Health)
	routes.HandleFunc("GET /{$}", h.Console)
	routes.HandleFunc("POST /login", h.Login)
	routes.Handle("GET /metrics", h.metrics.Handler())

	// Protected routes. /api authorizes per operation after decoding;
	// the schema endpoint is plain read access.
	api := routes.With(servermw.Authenticate(h.auth, h.logger))
	api.HandleFunc("POST /api", h.API)
	api.With(servermw.RequireAction(h.authz, authz.ActionRead)).HandleFunc("GET /api/schema", h.Schema)

	return mux
}

// Health handles liveness check requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK")) // Ignore write errors for health checks
}
