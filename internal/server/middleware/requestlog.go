// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware carries the HTTP middleware of the daemon: access
// logging, bearer-token authentication, and role authorization.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hpcops/cttd/internal/metrics"
	"github.com/hpcops/cttd/pkg/middleware"
)

// responseWriter wraps http.ResponseWriter to capture status code and bytes
// written.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// RequestLog emits one access-log line per request and counts it in the
// request metric. Requests without an X-Request-ID get one assigned (UUID v7
// for time-ordered tracing, v4 when v7 generation fails).
func RequestLog(logger *slog.Logger, m *metrics.Metrics) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				if id, err := uuid.NewV7(); err == nil {
					requestID = id.String()
				} else {
					requestID = uuid.New().String()
				}
			}
			r.Header.Set("X-Request-ID", requestID)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Info("access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", requestID),
				slog.Int("status", rw.statusCode),
				slog.Int("bytes", rw.bytes),
				slog.Duration("duration", time.Since(start)),
			)
			m.RequestsTotal.WithLabelValues(routeLabel(r), strconv.Itoa(rw.statusCode)).Inc()
		})
	}
}

// routeLabel returns the matched mux pattern so the metric stays at a fixed
// cardinality no matter what paths clients probe.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
