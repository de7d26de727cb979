// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"errors"
	"net/http"

	"github.com/hpcops/cttd/internal/authz"
	"github.com/hpcops/cttd/pkg/middleware"
)

// Authorizer answers whether a role may perform an action.
type Authorizer interface {
	Authorize(role, action string) error
}

// RequireAction rejects requests whose role may not perform action. It must
// run inside Authenticate, which supplies the claims.
func RequireAction(authorizer Authorizer, action string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
				return
			}
			if err := authorizer.Authorize(claims.Role, action); err != nil {
				if errors.Is(err, authz.ErrForbidden) {
					writeError(w, http.StatusForbidden, "operation not permitted", "FORBIDDEN")
					return
				}
				writeError(w, http.StatusInternalServerError, "authorization check failed", "INTERNAL_ERROR")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
