// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz decides which API actions a role may perform. Policies are
// stored in the same SQLite database as the tickets so a single file carries
// the whole daemon state.
package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"

	"github.com/hpcops/cttd/internal/auth"
)

//go:embed rbac_model.conf
var embeddedModel string

const (
	// apiObject is the only protected resource. The API is one surface;
	// per-endpoint objects can be added later without a model change.
	apiObject = "api"

	ActionRead  = "read"
	ActionWrite = "write"
)

// ErrForbidden is returned when the policy denies the requested action.
var ErrForbidden = errors.New("operation not permitted")

// defaultPolicies grant admins full access and guests read-only access.
var defaultPolicies = [][]string{
	{auth.RoleAdmin, apiObject, ActionRead},
	{auth.RoleAdmin, apiObject, ActionWrite},
	{auth.RoleGuest, apiObject, ActionRead},
}

// Enforcer answers allow/deny questions for API requests.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	logger   *slog.Logger
}

// NewEnforcer builds a Casbin enforcer backed by the given database and seeds
// the default role policies. Seeding is idempotent, so restarting the daemon
// never duplicates rules.
func NewEnforcer(db *gorm.DB, logger *slog.Logger) (*Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded casbin model: %w", err)
	}

	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin adapter: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create synced enforcer: %w", err)
	}

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	seeded := 0
	for _, policy := range defaultPolicies {
		added, err := enforcer.AddPolicy(policy)
		if err != nil {
			return nil, fmt.Errorf("failed to seed policy %v: %w", policy, err)
		}
		if added {
			seeded++
		}
	}

	logger.Info("authorization enforcer initialized", "policies_seeded", seeded)

	return &Enforcer{
		enforcer: enforcer,
		logger:   logger,
	}, nil
}

// Authorize returns nil when role may perform action against the API and
// ErrForbidden otherwise.
func (e *Enforcer) Authorize(role, action string) error {
	ok, err := e.enforcer.Enforce(role, apiObject, action)
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if !ok {
		e.logger.Debug("request denied by policy", "role", role, "action", action)
		return fmt.Errorf("%w: role %s may not %s", ErrForbidden, role, action)
	}
	return nil
}
