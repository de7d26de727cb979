// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and verifies the daemon's session tokens. The
// signing secret is generated at startup, so tokens never survive a
// restart.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os/user"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hpcops/cttd/internal/config"
)

// Roles a token can carry.
const (
	RoleAdmin = "Admin"
	RoleGuest = "Guest"
)

const (
	tokenLifetime = 6000 * time.Minute
	loginSkew     = 2 * time.Minute
	secretLength  = 64
)

var (
	ErrUnauthorizedUser = errors.New("user not authorized")
	ErrBadTimestamp     = errors.New("login timestamp outside the accepted window")
	ErrInvalidToken     = errors.New("invalid token")
)

// Claims is the session token payload.
type Claims struct {
	Role string `json:"role"`
	User string `json:"user"`
	jwt.RegisteredClaims
}

// GroupLookup resolves the OS groups a user belongs to.
type GroupLookup func(username string) ([]string, error)

// Service mints and verifies tokens and maps users to roles through
// their OS group membership.
type Service struct {
	secret []byte
	admin  []string
	guest  []string
	groups GroupLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the auth service with a fresh signing secret. Roles
// are resolved through the OS group database.
func NewService(cfg config.AuthConfig, logger *slog.Logger) (*Service, error) {
	return NewServiceWithLookup(cfg, osGroups, logger)
}

// NewServiceWithLookup is NewService with a caller-supplied group lookup,
// for callers that resolve membership outside the OS group database.
func NewServiceWithLookup(cfg config.AuthConfig, groups GroupLookup, logger *slog.Logger) (*Service, error) {
	secret, err := newSecret(secretLength)
	if err != nil {
		return nil, err
	}
	return &Service{
		secret: secret,
		admin:  cfg.Admin,
		guest:  cfg.Guest,
		groups: groups,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Login authenticates a timestamped request and mints a session token.
// The timestamp must fall within the skew window around server time.
func (s *Service) Login(username string, timestamp time.Time) (string, error) {
	role, err := s.roleFor(username)
	if err != nil {
		return "", err
	}
	now := s.now()
	if timestamp.After(now.Add(loginSkew)) || timestamp.Before(now.Add(-loginSkew)) {
		s.logger.Info("rejecting login, timestamp out of window", "user", username)
		return "", ErrBadTimestamp
	}

	claims := Claims{
		Role: role,
		User: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.logger.Info("issued token", "user", username, "role", role)
	return token, nil
}

// Verify parses a bearer token and returns its claims. Expired,
// tampered, and foreign-keyed tokens all come back ErrInvalidToken.
func (s *Service) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleGuest {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// roleFor resolves a user's role. Admin groups are checked before guest
// groups, so a user in both is an Admin.
func (s *Service) roleFor(username string) (string, error) {
	groups, err := s.groups(username)
	if err != nil {
		s.logger.Debug("group lookup failed", "user", username, "error", err)
		return "", ErrUnauthorizedUser
	}
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}
	for _, g := range s.admin {
		if member[g] {
			return RoleAdmin, nil
		}
	}
	for _, g := range s.guest {
		if member[g] {
			return RoleGuest, nil
		}
	}
	return "", ErrUnauthorizedUser
}

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newSecret(length int) ([]byte, error) {
	secret := make([]byte, length)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumerics))))
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		secret[i] = alphanumerics[n.Int64()]
	}
	return secret, nil
}

func osGroups(username string) ([]string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		group, err := user.LookupGroupId(id)
		if err != nil {
			continue
		}
		names = append(names, group.Name)
	}
	return names, nil
}
