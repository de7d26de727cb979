// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package tickets implements the mutation engine: every issue write goes
// through Service so comments, phase staging, and changelog events stay
// consistent no matter who asked, an operator or the reconciler.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/hpcops/cttd/internal/changelog"
	"github.com/hpcops/cttd/internal/cluster"
	"github.com/hpcops/cttd/internal/model"
	"github.com/hpcops/cttd/internal/scheduler"
	"github.com/hpcops/cttd/internal/store"
)

// Service handles ticket business logic.
type Service struct {
	store    *store.Store
	cluster  cluster.Cluster
	recorder *changelog.Recorder
	logger   *slog.Logger

	// sched backs the narrowing release in Update. It is separate from
	// the reconciler's handle and serialized by schedMu.
	schedMu sync.Mutex
	sched   scheduler.Scheduler
}

// NewService creates a new ticket service.
func NewService(st *store.Store, cl cluster.Cluster, rec *changelog.Recorder, sched scheduler.Scheduler, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		cluster:  cl,
		recorder: rec,
		sched:    sched,
		logger:   logger,
	}
}

// NewIssue carries the operator-supplied fields for Open.
type NewIssue struct {
	Target      string
	Title       string
	Description string
	AssignedTo  string
	ToOffline   *model.OfflineScope
}

// UpdateIssue carries a partial update for Update. Nil fields are left
// alone; an empty AssignedTo clears the assignment.
type UpdateIssue struct {
	ID          uint
	AssignedTo  *string
	Description *string
	Title       *string
	ToOffline   *model.OfflineScope
}

// Expectation is the node state open tickets imply, with the comment a
// scheduler offline call should carry.
type Expectation struct {
	Status model.TargetStatus
	Reason string
}

// Open files a ticket against a real node. If the target already has an
// issue with the same title in Opening or Open, that issue is returned
// unchanged. The scheduler is not touched here; the reconciler picks the
// Opening ticket up on its next pass.
func (s *Service) Open(ctx context.Context, in NewIssue, operator string) (*model.Issue, error) {
	s.logger.Debug("opening issue", "target", in.Target, "title", in.Title, "operator", operator)

	if !s.cluster.IsRealNode(ctx, in.Target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, in.Target)
	}

	var (
		issueID uint
		created bool
	)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		target, err := tx.EnsureTarget(ctx, in.Target)
		if err != nil {
			return err
		}
		existing, err := tx.OpenIssueByTitle(ctx, target.ID, in.Title)
		if err == nil {
			issueID = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		next := &model.Issue{
			TargetID:    target.ID,
			Title:       in.Title,
			Description: in.Description,
			CreatedBy:   operator,
			Status:      model.IssueOpening,
		}
		if in.AssignedTo != "" {
			assignee := in.AssignedTo
			next.AssignedTo = &assignee
		}
		if in.ToOffline != nil {
			scope := *in.ToOffline
			next.ToOffline = &scope
		}
		if err := tx.CreateIssue(ctx, next); err != nil {
			return err
		}
		if err := tx.AppendComment(ctx, next.ID, operator, "Opening issue"); err != nil {
			return err
		}
		issueID = next.ID
		created = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open issue on %s: %w", in.Target, err)
	}
	if created {
		s.logger.Info("opened issue", "id", issueID, "target", in.Target, "title", in.Title, "operator", operator)
		s.recorder.Publish(changelog.OpenEvent{Issue: issueID, Title: in.Title, Operator: operator})
	}
	return s.Get(ctx, issueID)
}

// Update applies the changed fields of in, appending one comment per
// change. Narrowing to_offline releases the nodes the old scope no
// longer implicates, provided no other ticket still holds them.
func (s *Service) Update(ctx context.Context, in UpdateIssue, operator string) (*model.Issue, error) {
	s.logger.Debug("updating issue", "id", in.ID, "operator", operator)

	issue, err := s.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	var notes []string

	if in.AssignedTo != nil {
		old := ""
		if issue.AssignedTo != nil {
			old = *issue.AssignedTo
		}
		if *in.AssignedTo != old {
			notes = append(notes, fmt.Sprintf("Updating assigned_to from %s to %s", orNone(old), orNone(*in.AssignedTo)))
			if *in.AssignedTo == "" {
				fields["assigned_to"] = nil
			} else {
				fields["assigned_to"] = *in.AssignedTo
			}
		}
	}
	if in.Description != nil && *in.Description != issue.Description {
		notes = append(notes, fmt.Sprintf("Updating description from %s to %s", issue.Description, *in.Description))
		fields["description"] = *in.Description
	}
	if in.Title != nil && *in.Title != issue.Title {
		notes = append(notes, fmt.Sprintf("Updating title from %s to %s", issue.Title, *in.Title))
		fields["title"] = *in.Title
	}

	var dropped []string
	if in.ToOffline != nil && (issue.ToOffline == nil || *issue.ToOffline != *in.ToOffline) {
		notes = append(notes, fmt.Sprintf("Updating to_offline from %s to %s", scopeLabel(issue.ToOffline), string(*in.ToOffline)))
		fields["to_offline"] = string(*in.ToOffline)
		if issue.ToOffline != nil && issue.Target != nil {
			dropped = s.deimplicated(ctx, issue.Target.Name, *issue.ToOffline, *in.ToOffline)
		}
	}

	if len(fields) > 0 {
		err = s.store.WithTx(ctx, func(tx *store.Store) error {
			for _, note := range notes {
				if err := tx.AppendComment(ctx, issue.ID, operator, note); err != nil {
					return err
				}
			}
			return tx.UpdateIssueFields(ctx, issue.ID, fields)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update issue %d: %w", issue.ID, err)
		}
	}

	if len(dropped) > 0 {
		s.releaseDeimplicated(ctx, dropped, operator)
	}

	title := issue.Title
	if in.Title != nil && *in.Title != "" {
		title = *in.Title
	}
	s.recorder.Publish(changelog.UpdateEvent{Issue: issue.ID, Title: title, Operator: operator})
	return s.Get(ctx, in.ID)
}

// Close moves an Opening or Open issue to Closing with the operator's
// comment. Any other phase is acknowledged without effect. The
// reconciler performs the scheduler release and promotes Closing to
// Closed.
func (s *Service) Close(ctx context.Context, id uint, comment, operator string) (*model.Issue, error) {
	s.logger.Debug("closing issue", "id", id, "operator", operator)

	issue, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue.Status != model.IssueOpening && issue.Status != model.IssueOpen {
		s.logger.Debug("issue not open, nothing to close", "id", id, "status", issue.Status)
		return issue, nil
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateIssueFields(ctx, id, map[string]any{"status": model.IssueClosing}); err != nil {
			return err
		}
		return tx.AppendComment(ctx, id, operator, comment)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close issue %d: %w", id, err)
	}

	s.logger.Info("closing issue", "id", id, "title", issue.Title, "operator", operator)
	s.recorder.Publish(changelog.CloseEvent{Issue: id, Title: issue.Title, Comment: comment, Operator: operator})
	return s.Get(ctx, id)
}

// Get fetches one issue with its comment trail and target.
func (s *Service) Get(ctx context.Context, id uint) (*model.Issue, error) {
	issue, err := s.store.IssueByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrIssueNotFound, id)
		}
		return nil, err
	}
	return issue, nil
}

// List lists issues matching the filter.
func (s *Service) List(ctx context.Context, filter store.IssueFilter) ([]model.Issue, error) {
	return s.store.Issues(ctx, filter)
}

// Related resolves the nodes an issue implicates through its scope.
func (s *Service) Related(ctx context.Context, issue *model.Issue) []string {
	if issue.Target == nil {
		return nil
	}
	if issue.ToOffline == nil {
		return []string{issue.Target.Name}
	}
	return s.implicated(ctx, issue.Target.Name, *issue.ToOffline)
}

// ExpectedStates folds every Opening and Open issue into the node states
// the tickets imply. Nodes absent from the map are expected Online.
// Offline from a scoped ticket dominates Down; a scoped ticket on the
// node itself beats one inherited from a relative.
func (s *Service) ExpectedStates(ctx context.Context) (map[string]Expectation, error) {
	issues, err := s.store.IssuesByStatus(ctx, model.IssueOpening, model.IssueOpen)
	if err != nil {
		return nil, err
	}

	// Lower rank holds the expectation more firmly. Ties keep the
	// earlier issue.
	const (
		rankSelfOffline = iota
		rankRelative
		rankSelfDown
	)
	rank := make(map[string]int)
	exp := make(map[string]Expectation)
	hold := func(node string, r int, e Expectation) {
		if cur, ok := rank[node]; ok && cur <= r {
			return
		}
		rank[node] = r
		exp[node] = e
	}

	for i := range issues {
		issue := &issues[i]
		if issue.Target == nil {
			s.logger.Warn("issue has no target attached", "id", issue.ID)
			continue
		}
		name := issue.Target.Name
		if issue.ToOffline == nil {
			hold(name, rankSelfDown, Expectation{Status: model.TargetDown, Reason: issue.Title})
			continue
		}
		hold(name, rankSelfOffline, Expectation{Status: model.TargetOffline, Reason: issue.Title})
		for _, n := range s.implicated(ctx, name, *issue.ToOffline) {
			if n == name {
				continue
			}
			hold(n, rankRelative, Expectation{Status: model.TargetOffline, Reason: n + " sibling"})
		}
	}
	return exp, nil
}

// RelatedClosing lists the Closing issues that implicate a node: any
// issue on the node itself, Card-scope issues on its siblings, and
// Blade-scope issues on its cousins.
func (s *Service) RelatedClosing(ctx context.Context, name string) ([]model.Issue, error) {
	issues, err := s.store.IssuesByStatus(ctx, model.IssueClosing)
	if err != nil {
		return nil, err
	}
	siblings := nameSet(s.cluster.Siblings(ctx, name))
	cousins := nameSet(s.cluster.Cousins(ctx, name))

	var related []model.Issue
	for i := range issues {
		issue := issues[i]
		if issue.Target == nil {
			continue
		}
		owner := issue.Target.Name
		switch {
		case owner == name:
			related = append(related, issue)
		case issue.ToOffline != nil && *issue.ToOffline == model.ScopeCard && siblings[owner]:
			related = append(related, issue)
		case issue.ToOffline != nil && *issue.ToOffline == model.ScopeBlade && cousins[owner]:
			related = append(related, issue)
		}
	}
	return related, nil
}

// CloseAllFor closes every non-Closed issue on a target outright,
// appending the given comment to each. The reconciler calls this when a
// node it believed Down turns up Online.
func (s *Service) CloseAllFor(ctx context.Context, targetID uint, operator, comment string) error {
	issues, err := s.store.IssuesForTarget(ctx, targetID,
		model.IssueOpening, model.IssueOpen, model.IssueClosing)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		for i := range issues {
			if err := tx.UpdateIssueFields(ctx, issues[i].ID, map[string]any{"status": model.IssueClosed}); err != nil {
				return err
			}
			if err := tx.AppendComment(ctx, issues[i].ID, operator, comment); err != nil {
				return err
			}
		}
		return nil
	})
}

// releaseDeimplicated resumes nodes a narrowing dropped, unless the
// fresh fold says some other ticket still holds them.
func (s *Service) releaseDeimplicated(ctx context.Context, nodes []string, operator string) {
	expected, err := s.ExpectedStates(ctx)
	if err != nil {
		s.logger.Error("failed to recompute expected state after narrowing", "error", err)
		return
	}
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	for _, node := range nodes {
		if _, held := expected[node]; held {
			continue
		}
		if err := s.sched.Release(ctx, node); err != nil {
			s.logger.Warn("failed to release node after narrowing", "node", node, "error", err)
			continue
		}
		s.logger.Info("released node, ticket scope narrowed", "node", node, "operator", operator)
		s.recorder.Publish(changelog.ResumeEvent{Target: node, Operator: operator})
	}
}

func (s *Service) implicated(ctx context.Context, name string, scope model.OfflineScope) []string {
	switch scope {
	case model.ScopeCard:
		return s.cluster.Siblings(ctx, name)
	case model.ScopeBlade:
		return s.cluster.Cousins(ctx, name)
	default:
		return []string{name}
	}
}

// deimplicated is the set difference between the old and new implicated
// sets, filtered to real nodes. Widening yields nothing.
func (s *Service) deimplicated(ctx context.Context, name string, from, to model.OfflineScope) []string {
	keep := nameSet(s.implicated(ctx, name, to))
	var dropped []string
	for _, n := range s.implicated(ctx, name, from) {
		if keep[n] {
			continue
		}
		if !s.cluster.IsRealNode(ctx, n) {
			continue
		}
		dropped = append(dropped, n)
	}
	return dropped
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func scopeLabel(scope *model.OfflineScope) string {
	if scope == nil {
		return "None"
	}
	return string(*scope)
}
