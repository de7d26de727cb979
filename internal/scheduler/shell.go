// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/hpcops/cttd/internal/config"
	"github.com/hpcops/cttd/internal/model"
)

// ShellScheduler drives the batch system through operator-provided
// commands. Each command runs without arguments, must exit zero, and
// the status command prints a JSON object mapping node name to a
// [status, comment] pair.
type ShellScheduler struct {
	cfg    config.ShellSchedulerConfig
	logger *slog.Logger
}

func NewShellScheduler(cfg config.ShellSchedulerConfig, logger *slog.Logger) *ShellScheduler {
	return &ShellScheduler{cfg: cfg, logger: logger}
}

func (s *ShellScheduler) run(ctx context.Context, command string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, command).Output()
	if err != nil {
		return nil, fmt.Errorf("command %s failed: %w", command, err)
	}
	return out, nil
}

func (s *ShellScheduler) NodesStatus(ctx context.Context) (map[string]NodeStatus, error) {
	out, err := s.run(ctx, s.cfg.StatusCmd)
	if err != nil {
		return nil, err
	}

	var raw map[string][]string
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("status command printed invalid JSON: %w", err)
	}

	statuses := make(map[string]NodeStatus, len(raw))
	for name, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("status entry for %s has %d fields, want 2", name, len(pair))
		}
		status, err := model.ParseTargetStatus(pair[0])
		if err != nil {
			return nil, fmt.Errorf("status entry for %s: %w", name, err)
		}
		statuses[name] = NodeStatus{Status: status, Comment: pair[1]}
	}
	return statuses, nil
}

func (s *ShellScheduler) Offline(ctx context.Context, target, comment string) error {
	s.logger.Info("offlining node", "node", target, "comment", comment)
	_, err := s.run(ctx, s.cfg.OfflineCmd)
	return err
}

func (s *ShellScheduler) Release(ctx context.Context, target string) error {
	s.logger.Info("resuming node", "node", target)
	_, err := s.run(ctx, s.cfg.ReleaseCmd)
	return err
}

var _ Scheduler = (*ShellScheduler)(nil)
