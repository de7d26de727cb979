// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/hpcops/cttd/internal/config"
)

// ShellCluster resolves topology through operator-provided commands.
// Each command runs without arguments, must exit zero, and prints JSON
// on stdout: a string array for siblings and cousins, a boolean for the
// real-node check. Failures degrade to empty answers so a broken
// callout cannot take the daemon down.
type ShellCluster struct {
	cfg    config.ShellClusterConfig
	logger *slog.Logger
}

func NewShellCluster(cfg config.ShellClusterConfig, logger *slog.Logger) *ShellCluster {
	return &ShellCluster{cfg: cfg, logger: logger}
}

func (c *ShellCluster) run(ctx context.Context, command string, out any) error {
	output, err := exec.CommandContext(ctx, command).Output()
	if err != nil {
		return fmt.Errorf("command %s failed: %w", command, err)
	}
	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("command %s printed invalid JSON: %w", command, err)
	}
	return nil
}

func (c *ShellCluster) Siblings(ctx context.Context, target string) []string {
	var nodes []string
	if err := c.run(ctx, c.cfg.SiblingsCmd, &nodes); err != nil {
		c.logger.Warn("siblings callout failed", "target", target, "error", err)
		return nil
	}
	return nodes
}

func (c *ShellCluster) Cousins(ctx context.Context, target string) []string {
	var nodes []string
	if err := c.run(ctx, c.cfg.CousinsCmd, &nodes); err != nil {
		c.logger.Warn("cousins callout failed", "target", target, "error", err)
		return nil
	}
	return nodes
}

func (c *ShellCluster) IsRealNode(ctx context.Context, target string) bool {
	var real bool
	if err := c.run(ctx, c.cfg.RealNodeCmd, &real); err != nil {
		c.logger.Warn("real-node callout failed", "target", target, "error", err)
		return false
	}
	return real
}

var _ Cluster = (*ShellCluster)(nil)
