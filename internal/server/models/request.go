// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Operations accepted by the /api endpoint.
const (
	OpIssue       = "issue"
	OpIssues      = "issues"
	OpOpen        = "open"
	OpClose       = "close"
	OpUpdateIssue = "updateIssue"
)

var validate = validator.New()

// APIRequest is the envelope for /api calls. One operation per request; the
// operation decides which of the remaining fields are read.
type APIRequest struct {
	Op      string     `json:"op" validate:"required,oneof=issue issues open close updateIssue"`
	ID      uint       `json:"id,omitempty"`
	Status  string     `json:"status,omitempty" validate:"omitempty,oneof=Opening Open Closing Closed"`
	Target  string     `json:"target,omitempty"`
	Comment string     `json:"comment,omitempty"`
	Issue   *IssueSpec `json:"issue,omitempty"`
}

// IssueSpec carries issue fields for open and updateIssue. Pointer fields
// distinguish "leave unchanged" (absent) from "set to this value"; an empty
// assignedTo clears the assignment.
type IssueSpec struct {
	ID          uint    `json:"id,omitempty"`
	Target      string  `json:"target,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
	ToOffline   *string `json:"toOffline,omitempty" validate:"omitempty,oneof=Node Card Blade"`
}

// Validate checks the envelope and the per-operation field requirements.
func (r *APIRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	switch r.Op {
	case OpIssue:
		if r.ID == 0 {
			return errors.New("id is required for op issue")
		}
	case OpClose:
		if r.ID == 0 {
			return errors.New("id is required for op close")
		}
		if r.Comment == "" {
			return errors.New("comment is required for op close")
		}
	case OpOpen:
		if r.Issue == nil {
			return errors.New("issue is required for op open")
		}
		if r.Issue.Target == "" {
			return errors.New("issue.target is required for op open")
		}
		if r.Issue.Title == nil || *r.Issue.Title == "" {
			return errors.New("issue.title is required for op open")
		}
		if r.Issue.Description == nil {
			return errors.New("issue.description is required for op open")
		}
	case OpUpdateIssue:
		if r.Issue == nil {
			return errors.New("issue is required for op updateIssue")
		}
		if r.Issue.ID == 0 {
			return errors.New("issue.id is required for op updateIssue")
		}
		if r.Issue.Title != nil && *r.Issue.Title == "" {
			return errors.New("issue.title may not be cleared")
		}
	}
	return nil
}

// LoginRequest asks for a bearer token. The timestamp is the client's clock
// in RFC 3339 and must be near the server's clock.
type LoginRequest struct {
	User      string    `json:"user" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Validate checks the login payload.
func (r *LoginRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid login request: %w", err)
	}
	return nil
}
