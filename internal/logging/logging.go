// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger from the configured level.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New creates the daemon logger. Output is JSON for machine consumption;
// the debug level switches to the text handler for reading by humans.
func New(level string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	if lvl == slog.LevelDebug {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// parseLevel converts the level string to slog.Level. Unknown levels fall
// back to info rather than failing startup.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
