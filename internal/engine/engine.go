// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the reconciliation loop. Each tick it compares
// what the scheduler reports against what open tickets imply, drives the
// scheduler toward the ticketed state, and settles the believed status
// of every tracked target.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hpcops/cttd/internal/changelog"
	"github.com/hpcops/cttd/internal/cluster"
	"github.com/hpcops/cttd/internal/metrics"
	"github.com/hpcops/cttd/internal/model"
	"github.com/hpcops/cttd/internal/scheduler"
	"github.com/hpcops/cttd/internal/store"
	"github.com/hpcops/cttd/internal/tickets"
)

const (
	missingNodeTitle = "Node not found in pbs"
	recoveredComment = "node found up, assuming issue is resolved"
)

// Engine is the reconciler. There is exactly one per daemon and it owns
// its scheduler handle.
type Engine struct {
	factory  scheduler.Factory
	sched    scheduler.Scheduler
	store    *store.Store
	tickets  *tickets.Service
	cluster  cluster.Cluster
	recorder *changelog.Recorder
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *slog.Logger
}

// New builds the reconciler and its first scheduler handle.
func New(factory scheduler.Factory, st *store.Store, svc *tickets.Service, cl cluster.Cluster,
	rec *changelog.Recorder, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) (*Engine, error) {
	sched, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler handle: %w", err)
	}
	return &Engine{
		factory:  factory,
		sched:    sched,
		store:    st,
		tickets:  svc,
		cluster:  cl,
		recorder: rec,
		metrics:  m,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run ticks until ctx is cancelled. Missed ticks collapse; a tick in
// flight when ctx is cancelled runs to completion.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("reconciler started", "interval", e.interval)
	tickCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	_ = e.SyncOnce(tickCtx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			_ = e.SyncOnce(tickCtx)
		}
	}
}

// SyncOnce performs one reconciliation pass.
func (e *Engine) SyncOnce(ctx context.Context) error {
	start := time.Now()
	e.metrics.TicksTotal.Inc()
	defer func() {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()
	e.logger.Info("performing sync with scheduler")

	nodes, err := e.sched.NodesStatus(ctx)
	if scheduler.IsCredentialExpired(err) {
		e.logger.Info("refreshing scheduler handle, credential has expired")
		fresh, ferr := e.factory()
		if ferr != nil {
			e.metrics.TickFailures.Inc()
			e.logger.Warn("could not rebuild scheduler handle", "error", ferr)
			return ferr
		}
		e.sched = fresh
		nodes, err = e.sched.NodesStatus(ctx)
	}
	if err != nil {
		e.metrics.TickFailures.Inc()
		e.logger.Warn("could not get node state from scheduler", "error", err)
		return err
	}

	targets, err := e.store.Targets(ctx)
	if err != nil {
		e.metrics.TickFailures.Inc()
		e.logger.Warn("could not list targets", "error", err)
		return err
	}

	// Snapshot the staged phases before doing any work. Issues that
	// appear mid-tick wait for the next pass.
	opening, err := e.store.IssueIDsByStatus(ctx, model.IssueOpening)
	if err != nil {
		e.metrics.TickFailures.Inc()
		return err
	}
	closing, err := e.store.IssueIDsByStatus(ctx, model.IssueClosing)
	if err != nil {
		e.metrics.TickFailures.Inc()
		return err
	}
	open, err := e.store.IssueIDsByStatus(ctx, model.IssueOpen)
	if err != nil {
		e.metrics.TickFailures.Inc()
		return err
	}
	e.metrics.OpenIssues.Set(float64(len(opening) + len(open)))

	expected, err := e.tickets.ExpectedStates(ctx)
	if err != nil {
		e.metrics.TickFailures.Inc()
		e.logger.Warn("could not fold expected state", "error", err)
		return err
	}

	// Start tracking real nodes the scheduler knows and we don't.
	tracked := make(map[string]struct{}, len(targets))
	for i := range targets {
		tracked[targets[i].Name] = struct{}{}
	}
	for name := range nodes {
		if _, ok := tracked[name]; ok {
			continue
		}
		if !e.cluster.IsRealNode(ctx, name) {
			continue
		}
		target, err := e.store.EnsureTarget(ctx, name)
		if err != nil {
			e.logger.Error("failed to register node", "node", name, "error", err)
			continue
		}
		e.logger.Info("tracking new node", "node", name)
		targets = append(targets, *target)
	}

	for i := range targets {
		e.reconcileTarget(ctx, &targets[i], nodes, expected)
	}

	if err := e.store.PromoteIssues(ctx, opening, model.IssueOpening, model.IssueOpen); err != nil {
		e.logger.Error("failed to promote opening issues", "error", err)
	}
	if err := e.store.PromoteIssues(ctx, closing, model.IssueClosing, model.IssueClosed); err != nil {
		e.logger.Error("failed to promote closing issues", "error", err)
	}
	e.logger.Info("scheduler sync complete")
	return nil
}

func (e *Engine) reconcileTarget(ctx context.Context, target *model.Target,
	nodes map[string]scheduler.NodeStatus, expected map[string]tickets.Expectation) {
	current, seen := nodes[target.Name]
	if !seen {
		e.logger.Warn("node not found in scheduler", "node", target.Name)
		_, err := e.tickets.Open(ctx, tickets.NewIssue{
			Target:      target.Name,
			Title:       missingNodeTitle,
			Description: missingNodeTitle,
		}, changelog.SystemOperator)
		if err != nil && !errors.Is(err, tickets.ErrUnknownNode) {
			e.logger.Error("failed to ticket missing node", "node", target.Name, "error", err)
		}
		return
	}

	exp, held := expected[target.Name]
	if !held {
		exp = tickets.Expectation{Status: model.TargetOnline}
	}

	final := e.transition(ctx, target, exp, current)
	if final == target.Status {
		return
	}
	e.logger.Debug("target state settled",
		"node", target.Name, "current", current.Status, "expected", exp.Status, "final", final)
	if err := e.store.SetTargetStatus(ctx, target.ID, final); err != nil {
		e.logger.Error("failed to persist target status", "node", target.Name, "error", err)
	}
}

// transition applies the expected/current table and returns the status
// the daemon should now believe. Only current scheduler state and ticket
// state matter here; the previously believed status is left out on
// purpose, it can be stale by the time the tick runs.
func (e *Engine) transition(ctx context.Context, target *model.Target,
	exp tickets.Expectation, current scheduler.NodeStatus) model.TargetStatus {
	switch exp.Status {
	case model.TargetOnline:
		if current.Status == model.TargetOnline {
			return model.TargetOnline
		}
		related, err := e.tickets.RelatedClosing(ctx, target.Name)
		if err != nil {
			e.logger.Error("failed to look up closing issues", "node", target.Name, "error", err)
			return target.Status
		}
		if len(related) > 0 {
			e.logger.Info("resuming node, all open issues are closing", "node", target.Name)
			if err := e.sched.Release(ctx, target.Name); err != nil {
				e.logger.Warn("failed to release node", "node", target.Name, "error", err)
				return target.Status
			}
			e.metrics.SchedulerActions.WithLabelValues(metrics.ActionRelease).Inc()
			e.recorder.Publish(changelog.ResumeEvent{Target: target.Name, Operator: changelog.SystemOperator})
			return model.TargetOnline
		}
		// The scheduler took the node out on its own. Ticket it so an
		// operator sees it; no issue can be open yet or the expected
		// state would not be Online.
		e.logger.Info("opening issue", "node", target.Name, "title", current.Comment)
		_, err = e.tickets.Open(ctx, tickets.NewIssue{
			Target:      target.Name,
			Title:       current.Comment,
			Description: current.Comment,
		}, changelog.SystemOperator)
		if err != nil && !errors.Is(err, tickets.ErrUnknownNode) {
			e.logger.Error("failed to open issue", "node", target.Name, "error", err)
		}
		return current.Status

	case model.TargetOffline:
		switch current.Status {
		case model.TargetDraining:
			return model.TargetDraining
		case model.TargetOffline:
			return model.TargetOffline
		case model.TargetDown:
			if err := e.offline(ctx, target.Name, exp.Reason); err != nil {
				return target.Status
			}
			return model.TargetOffline
		default:
			e.logger.Info("node found online, ticket wants it offline", "node", target.Name)
			if err := e.offline(ctx, target.Name, exp.Reason); err != nil {
				return target.Status
			}
			e.recorder.Publish(changelog.OfflineEvent{Target: target.Name, Operator: changelog.SystemOperator})
			return model.TargetDraining
		}

	case model.TargetDown:
		if current.Status != model.TargetOnline {
			return current.Status
		}
		e.logger.Info("node found up, closing its issues", "node", target.Name)
		if err := e.tickets.CloseAllFor(ctx, target.ID, changelog.SystemOperator, recoveredComment); err != nil {
			e.logger.Error("failed to close issues", "node", target.Name, "error", err)
			return target.Status
		}
		return model.TargetOnline
	}
	panic("expected state is never Draining")
}

func (e *Engine) offline(ctx context.Context, name, reason string) error {
	if err := e.sched.Offline(ctx, name, reason); err != nil {
		e.logger.Warn("failed to offline node", "node", name, "error", err)
		return err
	}
	e.metrics.SchedulerActions.WithLabelValues(metrics.ActionOffline).Inc()
	return nil
}
