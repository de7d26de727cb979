// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "fmt"

// TargetStatus is the believed scheduler state of a target.
type TargetStatus string

const (
	// TargetOnline means the node is accepting work.
	TargetOnline TargetStatus = "Online"
	// TargetDraining means the node is marked offline but still has jobs.
	TargetDraining TargetStatus = "Draining"
	// TargetOffline means the node is held out of the pool and idle.
	TargetOffline TargetStatus = "Offline"
	// TargetDown means the scheduler cannot reach the node.
	TargetDown TargetStatus = "Down"
)

// ParseTargetStatus validates a status string from config or a shell
// adapter payload.
func ParseTargetStatus(s string) (TargetStatus, error) {
	switch TargetStatus(s) {
	case TargetOnline, TargetDraining, TargetOffline, TargetDown:
		return TargetStatus(s), nil
	}
	return "", fmt.Errorf("unknown target status %q", s)
}

// IssueStatus is the lifecycle phase of an issue.
type IssueStatus string

const (
	IssueOpening IssueStatus = "Opening"
	IssueOpen    IssueStatus = "Open"
	IssueClosing IssueStatus = "Closing"
	IssueClosed  IssueStatus = "Closed"
)

func ParseIssueStatus(s string) (IssueStatus, error) {
	switch IssueStatus(s) {
	case IssueOpening, IssueOpen, IssueClosing, IssueClosed:
		return IssueStatus(s), nil
	}
	return "", fmt.Errorf("unknown issue status %q", s)
}

// OfflineScope says how far an issue's offline action reaches: just the
// node, its card siblings, or its blade cousins. A nil scope on an issue
// records a concern without driving the scheduler.
type OfflineScope string

const (
	ScopeNode  OfflineScope = "Node"
	ScopeCard  OfflineScope = "Card"
	ScopeBlade OfflineScope = "Blade"
)

func ParseOfflineScope(s string) (OfflineScope, error) {
	switch OfflineScope(s) {
	case ScopeNode, ScopeCard, ScopeBlade:
		return OfflineScope(s), nil
	}
	return "", fmt.Errorf("unknown offline scope %q", s)
}
