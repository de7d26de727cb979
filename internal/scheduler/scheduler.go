// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler adapts the batch scheduler to the three calls the
// reconciler needs: a full status snapshot, offline, and release.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hpcops/cttd/internal/config"
	"github.com/hpcops/cttd/internal/model"
)

// NodeStatus is one node's classified state plus the scheduler's
// per-node comment, verbatim.
type NodeStatus struct {
	Status  model.TargetStatus
	Comment string
}

// Scheduler drives the batch system. Implementations are not safe for
// concurrent use; the reconciler owns its handle.
type Scheduler interface {
	// NodesStatus snapshots every node the scheduler knows about.
	NodesStatus(ctx context.Context) (map[string]NodeStatus, error)
	// Offline drains target with an attached comment.
	Offline(ctx context.Context, target, comment string) error
	// Release clears target's offline mark and comment.
	Release(ctx context.Context, target string) error
}

// Factory builds a fresh scheduler handle. The reconciler rebuilds
// through it when credentials expire.
type Factory func() (Scheduler, error)

// NewFactory selects the adapter from configuration.
func NewFactory(cfg config.SchedulerConfig, logger *slog.Logger) (Factory, error) {
	switch {
	case cfg.PBS != nil:
		pbsCfg := *cfg.PBS
		return func() (Scheduler, error) {
			return NewPBSScheduler(pbsCfg, logger), nil
		}, nil
	case cfg.Shell != nil:
		shellCfg := *cfg.Shell
		return func() (Scheduler, error) {
			return NewShellScheduler(shellCfg, logger), nil
		}, nil
	}
	return nil, errors.New("scheduler configuration selects no adapter")
}

const expiredCredentialToken = "Expired credential"

// IsCredentialExpired reports whether err is the scheduler rejecting a
// stale credential. The reconciler reacts by rebuilding its handle and
// retrying, never by giving up.
func IsCredentialExpired(err error) bool {
	return err != nil && strings.Contains(err.Error(), expiredCredentialToken)
}

// Classify maps a raw scheduler state string to a target status. Order
// matters: "offline" is checked before "down" so a node that is both
// counts as offline. Unrecognized states classify as Down; the second
// return reports whether the state was recognized so callers can warn.
func Classify(raw string, hasJobs bool) (model.TargetStatus, bool) {
	switch {
	case strings.Contains(raw, "offline"):
		if hasJobs {
			return model.TargetDraining, true
		}
		return model.TargetOffline, true
	case strings.Contains(raw, "down"):
		if hasJobs {
			return model.TargetDraining, true
		}
		return model.TargetDown, true
	case strings.Contains(raw, "exclusive"):
		return model.TargetOnline, true
	case raw == "job-busy", raw == "free":
		return model.TargetOnline, true
	}
	return model.TargetDown, false
}
