// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package models holds the request and response shapes of the HTTP API.
package models

import (
	"time"

	"github.com/hpcops/cttd/internal/model"
)

// APIResponse is the standard response wrapper for every endpoint.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func SuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(message, code string) APIResponse[any] {
	return APIResponse[any]{
		Success: false,
		Error:   message,
		Code:    code,
	}
}

// TargetResponse represents a compute node in API responses.
type TargetResponse struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// CommentResponse represents one comment on an issue.
type CommentResponse struct {
	ID        uint      `json:"id"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Comment   string    `json:"comment"`
}

// IssueResponse represents an issue in API responses. Related carries the
// hostnames the issue's offline scope reaches, so callers see which nodes a
// ticket holds out of the pool without re-deriving the topology.
type IssueResponse struct {
	ID          uint              `json:"id"`
	Target      TargetResponse    `json:"target"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	CreatedBy   string            `json:"createdBy"`
	AssignedTo  *string           `json:"assignedTo,omitempty"`
	ToOffline   *string           `json:"toOffline,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Comments    []CommentResponse `json:"comments"`
	Related     []string          `json:"related"`
}

// LoginResponse carries the freshly minted bearer token.
type LoginResponse struct {
	Token string `json:"token"`
}

// AckResponse acknowledges a mutation that has no richer payload.
type AckResponse struct {
	ID uint `json:"id"`
}

// IssueFromModel converts a persisted issue into its API shape. The issue
// must have Target and Comments attached.
func IssueFromModel(issue *model.Issue, related []string) IssueResponse {
	resp := IssueResponse{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		CreatedBy:   issue.CreatedBy,
		AssignedTo:  issue.AssignedTo,
		Status:      string(issue.Status),
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
		Comments:    make([]CommentResponse, 0, len(issue.Comments)),
		Related:     related,
	}
	if issue.ToOffline != nil {
		scope := string(*issue.ToOffline)
		resp.ToOffline = &scope
	}
	if issue.Target != nil {
		resp.Target = TargetResponse{
			ID:     issue.Target.ID,
			Name:   issue.Target.Name,
			Status: string(issue.Target.Status),
		}
	}
	for _, c := range issue.Comments {
		resp.Comments = append(resp.Comments, CommentResponse{
			ID:        c.ID,
			CreatedBy: c.CreatedBy,
			CreatedAt: c.CreatedAt,
			Comment:   c.Comment,
		})
	}
	return resp
}
