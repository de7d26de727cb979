// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the persistence layer: targets, issues, and comments
// in a single SQLite file behind gorm.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/hpcops/cttd/internal/model"
)

// Store wraps the database handle. All methods honor the caller's
// context and wrap gorm errors with operation context.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if missing) the SQLite database at path and
// migrates the schema. Foreign keys are enforced so target deletion
// cascades to issues and comments.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// In-memory sqlite scopes data per connection, so the pool must not
	// grow past one.
	if strings.Contains(path, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Target{}, &model.Issue{}, &model.Comment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Debug("database opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		path = "file::memory:"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// DB exposes the underlying gorm handle so the authorization adapter can
// share the same database file.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a transaction. The Store passed to fn routes all
// operations through the transaction handle.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// EnsureTarget returns the target named name, creating it as Online on
// first observation.
func (s *Store) EnsureTarget(ctx context.Context, name string) (*model.Target, error) {
	target := model.Target{Name: name, Status: model.TargetOnline}
	result := s.db.WithContext(ctx).Where(model.Target{Name: name}).FirstOrCreate(&target)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to ensure target %s: %w", name, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Debug("registered target", "target", name)
	}
	return &target, nil
}

// TargetByName fetches one target. Returns gorm.ErrRecordNotFound
// (wrapped) when absent.
func (s *Store) TargetByName(ctx context.Context, name string) (*model.Target, error) {
	var target model.Target
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&target).Error; err != nil {
		return nil, fmt.Errorf("failed to get target %s: %w", name, err)
	}
	return &target, nil
}

// Targets lists every tracked target ordered by name.
func (s *Store) Targets(ctx context.Context) ([]model.Target, error) {
	var targets []model.Target
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}

// SetTargetStatus persists a believed-status change.
func (s *Store) SetTargetStatus(ctx context.Context, id uint, status model.TargetStatus) error {
	result := s.db.WithContext(ctx).Model(&model.Target{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set target %d status: %w", id, result.Error)
	}
	return nil
}

// CreateIssue inserts an issue row.
func (s *Store) CreateIssue(ctx context.Context, issue *model.Issue) error {
	if err := s.db.WithContext(ctx).Create(issue).Error; err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	return nil
}

// IssueByID fetches one issue with its comment trail and target.
func (s *Store) IssueByID(ctx context.Context, id uint) (*model.Issue, error) {
	var issue model.Issue
	err := s.db.WithContext(ctx).
		Preload("Comments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Target").
		First(&issue, id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %d: %w", id, err)
	}
	return &issue, nil
}

// IssueFilter narrows Issues listings. Zero values match everything.
type IssueFilter struct {
	Status     model.IssueStatus
	TargetName string
}

// Issues lists issues matching the filter, newest last, with comments
// and targets attached.
func (s *Store) Issues(ctx context.Context, filter IssueFilter) ([]model.Issue, error) {
	q := s.db.WithContext(ctx).
		Preload("Comments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Target").
		Order("issue.id ASC")
	if filter.Status != "" {
		q = q.Where("issue.status = ?", filter.Status)
	}
	if filter.TargetName != "" {
		q = q.Joins("JOIN target ON target.id = issue.target_id").
			Where("target.name = ?", filter.TargetName)
	}
	var issues []model.Issue
	if err := q.Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return issues, nil
}

// IssuesByStatus lists issues in the given phases with targets attached.
// The reconciler uses this for its expected-state fold and its Closing
// lookups.
func (s *Store) IssuesByStatus(ctx context.Context, statuses ...model.IssueStatus) ([]model.Issue, error) {
	var issues []model.Issue
	err := s.db.WithContext(ctx).
		Preload("Target").
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issues by status: %w", err)
	}
	return issues, nil
}

// IssueIDsByStatus snapshots the ids currently in one phase.
func (s *Store) IssueIDsByStatus(ctx context.Context, status model.IssueStatus) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&model.Issue{}).
		Where("status = ?", status).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s issues: %w", status, err)
	}
	return ids, nil
}

// OpenIssueByTitle finds the one issue on a target with this title still
// in {Opening, Open}, if any.
func (s *Store) OpenIssueByTitle(ctx context.Context, targetID uint, title string) (*model.Issue, error) {
	var issue model.Issue
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND title = ? AND status IN ?",
			targetID, title, []model.IssueStatus{model.IssueOpening, model.IssueOpen}).
		First(&issue).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up issue %q on target %d: %w", title, targetID, err)
	}
	return &issue, nil
}

// IssuesForTarget lists a target's issues in the given phases.
func (s *Store) IssuesForTarget(ctx context.Context, targetID uint, statuses ...model.IssueStatus) ([]model.Issue, error) {
	var issues []model.Issue
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND status IN ?", targetID, statuses).
		Find(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issues for target %d: %w", targetID, err)
	}
	return issues, nil
}

// UpdateIssueFields applies a partial update. gorm refreshes updated_at
// on the way through.
func (s *Store) UpdateIssueFields(ctx context.Context, id uint, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&model.Issue{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update issue %d: %w", id, result.Error)
	}
	return nil
}

// PromoteIssues moves the snapshot ids that are still in from-phase into
// to-phase. Filtering on the phase as well as the ids keeps a mid-tick
// operator close from being clobbered back to Open.
func (s *Store) PromoteIssues(ctx context.Context, ids []uint, from, to model.IssueStatus) error {
	if len(ids) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Model(&model.Issue{}).
		Where("id IN ? AND status = ?", ids, from).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to promote issues %s to %s: %w", from, to, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Debug("promoted issues", "from", from, "to", to, "count", result.RowsAffected)
	}
	return nil
}

// AppendComment adds one history entry to an issue.
func (s *Store) AppendComment(ctx context.Context, issueID uint, author, text string) error {
	comment := model.Comment{IssueID: issueID, CreatedBy: author, Comment: text}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return fmt.Errorf("failed to append comment to issue %d: %w", issueID, err)
	}
	return nil
}
