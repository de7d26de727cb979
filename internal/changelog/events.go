// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package changelog collects ticket and node activity into periodic
// digests for a chat channel. Events are hints: losing one costs a
// digest line, never data, so producers never block on the channel.
package changelog

// SystemOperator is the operator name the reconciler acts under.
// Tickets it opens and closes on its own are kept out of the digest.
const SystemOperator = "ctt"

// Event is one unit of trackable activity.
type Event interface {
	operator() string
}

// OfflineEvent records a node being drained.
type OfflineEvent struct {
	Target   string
	Operator string
}

// ResumeEvent records a node being released back to service.
type ResumeEvent struct {
	Target   string
	Operator string
}

// OpenEvent records a ticket being opened.
type OpenEvent struct {
	Issue    uint
	Title    string
	Operator string
}

// UpdateEvent records a ticket field change.
type UpdateEvent struct {
	Issue    uint
	Title    string
	Operator string
}

// CloseEvent records a ticket being closed.
type CloseEvent struct {
	Issue    uint
	Title    string
	Comment  string
	Operator string
}

func (e OfflineEvent) operator() string { return e.Operator }
func (e ResumeEvent) operator() string  { return e.Operator }
func (e OpenEvent) operator() string    { return e.Operator }
func (e UpdateEvent) operator() string  { return e.Operator }
func (e CloseEvent) operator() string   { return e.Operator }
