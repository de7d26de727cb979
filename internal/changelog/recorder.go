// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package changelog

import "log/slog"

// DefaultCapacity bounds the event channel. Activity bursts beyond it
// are dropped rather than slowing the producers down.
const DefaultCapacity = 5

// Recorder is the producer side of the changelog: a bounded channel
// with a non-blocking publish.
type Recorder struct {
	ch     chan Event
	onDrop func()
	logger *slog.Logger
}

// NewRecorder builds a recorder with the given channel capacity. onDrop
// is invoked for every event discarded because the channel was full;
// nil is allowed.
func NewRecorder(capacity int, onDrop func(), logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		ch:     make(chan Event, capacity),
		onDrop: onDrop,
		logger: logger,
	}
}

// Publish hands an event to the aggregator without blocking. When the
// channel is full the event is dropped; the database remains the source
// of truth either way.
func (r *Recorder) Publish(event Event) {
	select {
	case r.ch <- event:
	default:
		r.logger.Warn("changelog channel full, dropping event", "event", event)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Events exposes the consumer side of the channel.
func (r *Recorder) Events() <-chan Event { return r.ch }

// Close signals the aggregator to drain, emit a final digest, and exit.
// No Publish may follow.
func (r *Recorder) Close() { close(r.ch) }
