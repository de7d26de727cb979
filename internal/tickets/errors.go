// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package tickets

import "errors"

// Common service errors
var (
	ErrUnknownNode   = errors.New("target is not a real node")
	ErrIssueNotFound = errors.New("issue not found")
)
