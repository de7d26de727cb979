// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the persisted entities of the tracker: targets,
// issues, and comments. The reconciliation engine and the API both speak
// in these types.
package model

import "time"

// Target is a compute node known to the tracker. Targets are created on
// first observation and never deleted; Status is the believed scheduler
// state maintained by the reconciler.
type Target struct {
	ID     uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name   string       `gorm:"uniqueIndex;not null" json:"name"`
	Status TargetStatus `gorm:"not null" json:"status"`
}

func (Target) TableName() string { return "target" }

// Issue is one operator-visible ticket against one target. Opening and
// Closing are transient phases owned by the reconciler; operators only
// ever ask for Opening or Closing, the engine promotes to Open or Closed
// once the scheduler has been driven.
type Issue struct {
	ID          uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	TargetID    uint          `gorm:"not null;index" json:"targetId"`
	Target      *Target       `gorm:"constraint:OnDelete:CASCADE" json:"target,omitempty"`
	Title       string        `gorm:"not null" json:"title"`
	Description string        `json:"description"`
	CreatedBy   string        `gorm:"not null" json:"createdBy"`
	AssignedTo  *string       `json:"assignedTo,omitempty"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
	ToOffline   *OfflineScope `json:"toOffline,omitempty"`
	Status      IssueStatus   `gorm:"not null;index" json:"status"`
	Comments    []Comment     `gorm:"constraint:OnDelete:CASCADE" json:"comments,omitempty"`
}

func (Issue) TableName() string { return "issue" }

// Comment is an append-only history entry on an issue. Every mutation
// documents itself with one, so the comment trail is the audit log.
type Comment struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	IssueID   uint      `gorm:"not null;index" json:"issueId"`
	CreatedBy string    `gorm:"not null" json:"createdBy"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	Comment   string    `gorm:"not null" json:"comment"`
}

func (Comment) TableName() string { return "comment" }
