// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hpcops/cttd/internal/server/models"
)

// Error codes carried in the response envelope.
const (
	codeInvalidInput = "INVALID_INPUT"
	codeUnknownNode  = "UNKNOWN_NODE"
	codeNotFound     = "NOT_FOUND"
	codeUnauthorized = "UNAUTHORIZED"
	codeForbidden    = "FORBIDDEN"
	codeBadTimestamp = "BAD_TIMESTAMP"
	codeInternal     = "INTERNAL_ERROR"
)

// writeSuccessResponse writes a successful API response.
func writeSuccessResponse[T any](w http.ResponseWriter, statusCode int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(models.SuccessResponse(data)) // Ignore encoding errors for response
}

// writeErrorResponse writes an error API response.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse(message, code)) // Ignore encoding errors for response
}
