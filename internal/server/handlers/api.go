// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hpcops/cttd/internal/authz"
	"github.com/hpcops/cttd/internal/model"
	servermw "github.com/hpcops/cttd/internal/server/middleware"
	"github.com/hpcops/cttd/internal/server/models"
	"github.com/hpcops/cttd/internal/store"
	"github.com/hpcops/cttd/internal/tickets"
)

// API dispatches one query or mutation per request. The operation decides
// the authorization action: queries need read, mutations need write.
func (h *Handler) API(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := servermw.ClaimsFrom(ctx)
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing bearer token", codeUnauthorized)
		return
	}

	var req models.APIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "malformed request body", codeInvalidInput)
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
		return
	}

	if err := h.authz.Authorize(claims.Role, actionFor(req.Op)); err != nil {
		if errors.Is(err, authz.ErrForbidden) {
			writeErrorResponse(w, http.StatusForbidden, "operation not permitted", codeForbidden)
			return
		}
		h.logger.Error("authorization check failed", "error", err, "op", req.Op)
		writeErrorResponse(w, http.StatusInternalServerError, "authorization check failed", codeInternal)
		return
	}

	switch req.Op {
	case models.OpIssue:
		h.getIssue(ctx, w, req.ID)
	case models.OpIssues:
		h.listIssues(ctx, w, req)
	case models.OpOpen:
		h.openIssue(ctx, w, req.Issue, claims.User)
	case models.OpClose:
		h.closeIssue(ctx, w, req, claims.User)
	case models.OpUpdateIssue:
		h.updateIssue(ctx, w, req.Issue, claims.User)
	}
}

// actionFor maps an operation to the authorization action it needs.
func actionFor(op string) string {
	switch op {
	case models.OpIssue, models.OpIssues:
		return authz.ActionRead
	default:
		return authz.ActionWrite
	}
}

func (h *Handler) getIssue(ctx context.Context, w http.ResponseWriter, id uint) {
	issue, err := h.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tickets.ErrIssueNotFound) {
			// Absent issues are a null payload, not an error.
			writeSuccessResponse[*models.IssueResponse](w, http.StatusOK, nil)
			return
		}
		h.logger.Error("failed to load issue", "error", err, "id", id)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to load issue", codeInternal)
		return
	}
	writeSuccessResponse(w, http.StatusOK, models.IssueFromModel(issue, h.tickets.Related(ctx, issue)))
}

func (h *Handler) listIssues(ctx context.Context, w http.ResponseWriter, req models.APIRequest) {
	filter := store.IssueFilter{
		Status:     model.IssueStatus(req.Status),
		TargetName: req.Target,
	}
	issues, err := h.tickets.List(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list issues", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to list issues", codeInternal)
		return
	}
	items := make([]models.IssueResponse, 0, len(issues))
	for i := range issues {
		items = append(items, models.IssueFromModel(&issues[i], h.tickets.Related(ctx, &issues[i])))
	}
	writeSuccessResponse(w, http.StatusOK, items)
}

func (h *Handler) openIssue(ctx context.Context, w http.ResponseWriter, spec *models.IssueSpec, operator string) {
	in := tickets.NewIssue{
		Target:      spec.Target,
		Title:       *spec.Title,
		Description: *spec.Description,
	}
	if spec.AssignedTo != nil {
		in.AssignedTo = *spec.AssignedTo
	}
	if spec.ToOffline != nil {
		scope, err := model.ParseOfflineScope(*spec.ToOffline)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
			return
		}
		in.ToOffline = &scope
	}

	issue, err := h.tickets.Open(ctx, in, operator)
	if err != nil {
		if errors.Is(err, tickets.ErrUnknownNode) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), codeUnknownNode)
			return
		}
		h.logger.Error("failed to open issue", "error", err, "target", spec.Target, "operator", operator)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to open issue", codeInternal)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, models.IssueFromModel(issue, h.tickets.Related(ctx, issue)))
}

func (h *Handler) closeIssue(ctx context.Context, w http.ResponseWriter, req models.APIRequest, operator string) {
	issue, err := h.tickets.Close(ctx, req.ID, req.Comment, operator)
	if err != nil {
		if errors.Is(err, tickets.ErrIssueNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "issue not found", codeNotFound)
			return
		}
		h.logger.Error("failed to close issue", "error", err, "id", req.ID, "operator", operator)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to close issue", codeInternal)
		return
	}
	writeSuccessResponse(w, http.StatusOK, models.IssueFromModel(issue, h.tickets.Related(ctx, issue)))
}

func (h *Handler) updateIssue(ctx context.Context, w http.ResponseWriter, spec *models.IssueSpec, operator string) {
	in := tickets.UpdateIssue{
		ID:          spec.ID,
		AssignedTo:  spec.AssignedTo,
		Description: spec.Description,
		Title:       spec.Title,
	}
	if spec.ToOffline != nil {
		scope, err := model.ParseOfflineScope(*spec.ToOffline)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), codeInvalidInput)
			return
		}
		in.ToOffline = &scope
	}

	issue, err := h.tickets.Update(ctx, in, operator)
	if err != nil {
		if errors.Is(err, tickets.ErrIssueNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "issue not found", codeNotFound)
			return
		}
		h.logger.Error("failed to update issue", "error", err, "id", spec.ID, "operator", operator)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to update issue", codeInternal)
		return
	}
	writeSuccessResponse(w, http.StatusOK, models.IssueFromModel(issue, h.tickets.Related(ctx, issue)))
}
