// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package cluster resolves node topology: which names are real nodes,
// and which nodes share a card or a blade with a given node.
package cluster

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hpcops/cttd/internal/config"
)

// Cluster answers topology questions about node names. Implementations
// must keep Siblings(n) a subset of Cousins(n), with n in both.
type Cluster interface {
	// Siblings returns the nodes sharing a card with target, target
	// included. Unknown names yield an empty slice.
	Siblings(ctx context.Context, target string) []string
	// Cousins returns the nodes sharing a blade with target, target
	// included. Unknown names yield an empty slice.
	Cousins(ctx context.Context, target string) []string
	// IsRealNode reports whether target names a node this cluster
	// could contain.
	IsRealNode(ctx context.Context, target string) bool
}

// New selects the resolver from configuration.
func New(cfg config.ClusterConfig, logger *slog.Logger) (Cluster, error) {
	switch {
	case cfg.Shell != nil:
		return NewShellCluster(*cfg.Shell, logger), nil
	case len(cfg.Regex) > 0:
		return NewRegexCluster(cfg.Regex)
	}
	return nil, errors.New("cluster configuration selects no resolver")
}
