// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hpcops/cttd/internal/auth"
	"github.com/hpcops/cttd/internal/server/models"
)

// Login mints a bearer token for a user whose OS groups grant a role. The
// 403 for unknown users deliberately carries no detail, so the endpoint
// cannot be used to enumerate accounts.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "malformed request body", codeInvalidInput)
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
		return
	}

	token, err := h.auth.Login(req.User, req.Timestamp)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorizedUser):
			h.logger.Warn("login rejected", "user", req.User)
			writeErrorResponse(w, http.StatusForbidden, "not authorized", codeForbidden)
		case errors.Is(err, auth.ErrBadTimestamp):
			writeErrorResponse(w, http.StatusBadRequest, "timestamp outside accepted window", codeBadTimestamp)
		default:
			h.logger.Error("login failed", "error", err, "user", req.User)
			writeErrorResponse(w, http.StatusInternalServerError, "login failed", codeInternal)
		}
		return
	}

	writeSuccessResponse(w, http.StatusOK, models.LoginResponse{Token: token})
}
