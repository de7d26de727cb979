// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var schemaYAML []byte

// loadSchema parses and validates the embedded API description and returns
// it rendered as JSON.
func loadSchema() ([]byte, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(schemaYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded api schema: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("embedded api schema is invalid: %w", err)
	}
	rendered, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to render api schema: %w", err)
	}
	return rendered, nil
}

// Schema serves the machine-readable API description.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schemaJSON)
}
