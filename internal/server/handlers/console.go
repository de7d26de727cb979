// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	_ "embed"
	"net/http"
)

//go:embed console.html
var consolePage []byte

// Console serves the developer query console.
func (h *Handler) Console(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(consolePage)
}
