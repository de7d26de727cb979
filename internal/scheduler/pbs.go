// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hpcops/cttd/internal/config"
)

const (
	pbsNodesBin       = "pbsnodes"
	defaultPBSTimeout = 20 * time.Second
)

// PBSScheduler drives PBS through the pbsnodes CLI. Every invocation
// carries a timeout; stderr is folded into returned errors so the
// reconciler can spot credential expiry.
type PBSScheduler struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
}

func NewPBSScheduler(cfg config.PBSConfig, logger *slog.Logger) *PBSScheduler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPBSTimeout
	}
	return &PBSScheduler{bin: pbsNodesBin, timeout: timeout, logger: logger}
}

// pbsNode is the slice of `pbsnodes -av -F json` output the tracker
// cares about.
type pbsNode struct {
	State   string   `json:"state"`
	Jobs    []string `json:"jobs"`
	Comment string   `json:"comment"`
}

type pbsNodesOutput struct {
	Nodes map[string]pbsNode `json:"nodes"`
}

func (p *PBSScheduler) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.bin, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s %s: %s", p.bin, args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s %s: %w", p.bin, args[0], err)
	}
	return out, nil
}

func (p *PBSScheduler) NodesStatus(ctx context.Context) (map[string]NodeStatus, error) {
	out, err := p.run(ctx, "-av", "-F", "json")
	if err != nil {
		return nil, err
	}
	return p.parseNodes(out)
}

func (p *PBSScheduler) parseNodes(out []byte) (map[string]NodeStatus, error) {
	var parsed pbsNodesOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse pbsnodes output: %w", err)
	}

	statuses := make(map[string]NodeStatus, len(parsed.Nodes))
	for name, node := range parsed.Nodes {
		status, recognized := Classify(node.State, len(node.Jobs) > 0)
		if !recognized {
			p.logger.Warn("unrecognized node state", "node", name, "state", node.State)
		}
		statuses[name] = NodeStatus{Status: status, Comment: node.Comment}
	}
	return statuses, nil
}

func (p *PBSScheduler) Offline(ctx context.Context, target, comment string) error {
	p.logger.Info("offlining node", "node", target, "comment", comment)
	_, err := p.run(ctx, "-o", "-C", comment, target)
	return err
}

func (p *PBSScheduler) Release(ctx context.Context, target string) error {
	p.logger.Info("resuming node", "node", target)
	_, err := p.run(ctx, "-r", "-C", "", target)
	return err
}

var _ Scheduler = (*PBSScheduler)(nil)
