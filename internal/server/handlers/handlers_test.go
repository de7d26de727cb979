// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcops/cttd/internal/auth"
	"github.com/hpcops/cttd/internal/authz"
	"github.com/hpcops/cttd/internal/changelog"
	"github.com/hpcops/cttd/internal/cluster"
	"github.com/hpcops/cttd/internal/config"
	"github.com/hpcops/cttd/internal/metrics"
	"github.com/hpcops/cttd/internal/scheduler"
	"github.com/hpcops/cttd/internal/server/models"
	"github.com/hpcops/cttd/internal/store"
	"github.com/hpcops/cttd/internal/tickets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeScheduler struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeScheduler) NodesStatus(context.Context) (map[string]scheduler.NodeStatus, error) {
	return nil, nil
}

func (f *fakeScheduler) Offline(_ context.Context, _, _ string) error { return nil }

func (f *fakeScheduler) Release(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, target)
	return nil
}

type testServer struct {
	handler    http.Handler
	adminToken string
	guestToken string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cl, err := cluster.NewRegexCluster([]config.NodeType{
		{Prefix: "gu", Digits: 4, FirstNum: 1, LastNum: 18, Board: 2, Slot: 4},
	})
	require.NoError(t, err)

	rec := changelog.NewRecorder(64, nil, logger)
	svc := tickets.NewService(st, cl, rec, &fakeScheduler{}, logger)

	groups := func(user string) ([]string, error) {
		switch user {
		case "alice":
			return []string{"hsg", "staff"}, nil
		case "bob":
			return []string{"ncar"}, nil
		}
		return nil, errors.New("unknown user")
	}
	authSvc, err := auth.NewServiceWithLookup(config.AuthConfig{
		Admin: []string{"hsg"},
		Guest: []string{"ncar"},
	}, groups, logger)
	require.NoError(t, err)

	enforcer, err := authz.NewEnforcer(st.DB(), logger)
	require.NoError(t, err)

	h, err := New(svc, authSvc, enforcer, metrics.New(), logger)
	require.NoError(t, err)

	ts := &testServer{handler: h.Routes()}
	ts.adminToken = ts.login(t, "alice")
	ts.guestToken = ts.login(t, "bob")
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, user string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/login", "", models.LoginRequest{User: user, Timestamp: time.Now()})
	require.Equal(t, http.StatusOK, rec.Code, "login for %s: %s", user, rec.Body.String())

	var resp models.APIResponse[models.LoginResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func decodeIssue(t *testing.T, rec *httptest.ResponseRecorder) models.IssueResponse {
	t.Helper()
	var resp models.APIResponse[models.IssueResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success, "expected success envelope: %s", rec.Body.String())
	return resp.Data
}

func commentTexts(issue models.IssueResponse) []string {
	texts := make([]string, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		texts = append(texts, c.Comment)
	}
	return texts
}

func TestLogin(t *testing.T) {
	ts := setupServer(t)

	t.Run("bad timestamp", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/login", "", models.LoginRequest{
			User:      "alice",
			Timestamp: time.Now().Add(-10 * time.Minute),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp models.APIResponse[any]
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "BAD_TIMESTAMP", resp.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/login", "", models.LoginRequest{
			User:      "mallory",
			Timestamp: time.Now(),
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPIRequiresToken(t *testing.T) {
	ts := setupServer(t)

	rec := ts.do(t, http.MethodPost, "/api", "", models.APIRequest{Op: models.OpIssues})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api", "not-a-token", models.APIRequest{Op: models.OpIssues})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	ts := setupServer(t)

	scope := "Node"
	title := "bad dimm"
	description := "ecc storm on dimm 3"
	rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
		Op: models.OpOpen,
		Issue: &models.IssueSpec{
			Target:      "gu0003",
			Title:       &title,
			Description: &description,
			ToOffline:   &scope,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	issue := decodeIssue(t, rec)
	assert.Equal(t, "bad dimm", issue.Title)
	assert.Equal(t, "gu0003", issue.Target.Name)
	assert.Equal(t, "Opening", issue.Status)
	assert.Equal(t, "alice", issue.CreatedBy)
	assert.Equal(t, []string{"gu0003"}, issue.Related)
	assert.Contains(t, commentTexts(issue), "Opening issue")

	rec = ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
		Op:      models.OpClose,
		ID:      issue.ID,
		Comment: "dimm swapped",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	closed := decodeIssue(t, rec)
	assert.Equal(t, "Closing", closed.Status)
	assert.Contains(t, commentTexts(closed), "dimm swapped")
}

func TestOpenRejectsUnknownNode(t *testing.T) {
	ts := setupServer(t)

	title := "phantom"
	description := "not a node"
	rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
		Op: models.OpOpen,
		Issue: &models.IssueSpec{
			Target:      "login1",
			Title:       &title,
			Description: &description,
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp models.APIResponse[any]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "UNKNOWN_NODE", resp.Code)
}

func TestUpdateIssueViaAPI(t *testing.T) {
	ts := setupServer(t)

	title := "fan noise"
	description := "rattle on intake"
	rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
		Op:    models.OpOpen,
		Issue: &models.IssueSpec{Target: "gu0001", Title: &title, Description: &description},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	opened := decodeIssue(t, rec)

	assignee := "carol"
	rec = ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
		Op:    models.OpUpdateIssue,
		Issue: &models.IssueSpec{ID: opened.ID, AssignedTo: &assignee},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decodeIssue(t, rec)
	require.NotNil(t, updated.AssignedTo)
	assert.Equal(t, "carol", *updated.AssignedTo)
	assert.Contains(t, commentTexts(updated), "Updating assigned_to from None to carol")

	t.Run("missing issue is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
			Op:    models.OpUpdateIssue,
			Issue: &models.IssueSpec{ID: 9999, AssignedTo: &assignee},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestIssueQueries(t *testing.T) {
	ts := setupServer(t)

	for _, target := range []string{"gu0001", "gu0002"} {
		title := "checkup " + target
		description := "routine"
		rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, models.APIRequest{
			Op:    models.OpOpen,
			Issue: &models.IssueSpec{Target: target, Title: &title, Description: &description},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	t.Run("list all", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.guestToken, models.APIRequest{Op: models.OpIssues})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.APIResponse[[]models.IssueResponse]
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Len(t, resp.Data, 2)
	})

	t.Run("filter by target", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.guestToken, models.APIRequest{
			Op:     models.OpIssues,
			Target: "gu0002",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.APIResponse[[]models.IssueResponse]
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "gu0002", resp.Data[0].Target.Name)
	})

	t.Run("single issue", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.guestToken, models.APIRequest{Op: models.OpIssue, ID: 1})
		require.Equal(t, http.StatusOK, rec.Code)
		issue := decodeIssue(t, rec)
		assert.Equal(t, uint(1), issue.ID)
	})

	t.Run("missing issue is null", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.guestToken, models.APIRequest{Op: models.OpIssue, ID: 999})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.APIResponse[*models.IssueResponse]
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		assert.Nil(t, resp.Data)
	})
}

func TestGuestCannotMutate(t *testing.T) {
	ts := setupServer(t)

	title := "blocked"
	description := "guests cannot do this"
	rec := ts.do(t, http.MethodPost, "/api", ts.guestToken, models.APIRequest{
		Op:    models.OpOpen,
		Issue: &models.IssueSpec{Target: "gu0001", Title: &title, Description: &description},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp models.APIResponse[any]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "FORBIDDEN", resp.Code)
}

func TestInvalidAPIRequests(t *testing.T) {
	ts := setupServer(t)

	t.Run("unknown op", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api", ts.adminToken, map[string]any{"op": "drop"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api", bytes.NewBufferString("{\"op\""))
		req.Header.Set("Authorization", "Bearer "+ts.adminToken)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSchemaEndpoint(t *testing.T) {
	ts := setupServer(t)

	rec := ts.do(t, http.MethodGet, "/api/schema", ts.guestToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"openapi\"")
	assert.Contains(t, rec.Body.String(), "/api")

	rec = ts.do(t, http.MethodGet, "/api/schema", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConsoleAndHealth(t *testing.T) {
	ts := setupServer(t)

	rec := ts.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "CTT console")

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupServer(t)

	// The logins in setup already passed through the request counter.
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ctt_http_requests_total")
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("path=%q", "POST /login"))
}
