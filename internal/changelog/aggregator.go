// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// Notifier delivers one digest message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Aggregator folds events into six accumulators and flushes them as one
// digest per interval. It runs until the event channel closes, then
// drains, emits a final digest, and returns.
type Aggregator struct {
	events   <-chan Event
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger

	openIssues   map[uint]struct{}
	updateIssues map[string]map[uint]struct{}
	closeIssues  map[string]map[uint]struct{}
	offlineNodes map[string]struct{}
	resumeNodes  map[string]struct{}
	operators    map[string]struct{}
}

func NewAggregator(events <-chan Event, notifier Notifier, interval time.Duration, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		events:   events,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
	a.clear()
	return a
}

// Run consumes events until the channel closes. A closed channel still
// yields its buffered events first, so nothing published before Close
// is lost.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-a.events:
			if !ok {
				a.flush(ctx)
				a.logger.Info("changelog aggregator stopped")
				return
			}
			a.record(event)
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

// record applies one event to the accumulators. Tickets the reconciler
// opens or closes by itself are left out of the digest entirely; its
// node actions and updates still count.
func (a *Aggregator) record(event Event) {
	switch e := event.(type) {
	case OfflineEvent:
		a.offlineNodes[e.Target] = struct{}{}
		a.operators[e.Operator] = struct{}{}
	case ResumeEvent:
		a.resumeNodes[e.Target] = struct{}{}
		a.operators[e.Operator] = struct{}{}
	case OpenEvent:
		if e.Operator == SystemOperator {
			return
		}
		a.openIssues[e.Issue] = struct{}{}
		a.operators[e.Operator] = struct{}{}
	case UpdateEvent:
		addGrouped(a.updateIssues, e.Title, e.Issue)
		a.operators[e.Operator] = struct{}{}
	case CloseEvent:
		if e.Operator == SystemOperator {
			return
		}
		addGrouped(a.closeIssues, e.Title, e.Issue)
		a.operators[e.Operator] = struct{}{}
	}
}

func addGrouped(m map[string]map[uint]struct{}, title string, issue uint) {
	if m[title] == nil {
		m[title] = make(map[uint]struct{})
	}
	m[title][issue] = struct{}{}
}

// flush posts one digest and clears the accumulators. A window with no
// operators has nothing worth saying and is skipped.
func (a *Aggregator) flush(ctx context.Context) {
	if len(a.operators) == 0 {
		return
	}

	message := a.digest()
	if err := a.notifier.Notify(ctx, message); err != nil {
		a.logger.Warn("failed to deliver digest", "error", err)
	}
	a.clear()
}

// digest renders the accumulated activity, sections in fixed order,
// contents sorted.
func (a *Aggregator) digest() string {
	var b strings.Builder
	b.WriteString("activity by " + strings.Join(sortedKeys(a.operators), ", "))

	if len(a.openIssues) > 0 {
		b.WriteString("\nOpened: " + joinIssues(a.openIssues))
	}
	if len(a.updateIssues) > 0 {
		b.WriteString("\nUpdated: " + joinGrouped(a.updateIssues))
	}
	if len(a.closeIssues) > 0 {
		b.WriteString("\nClosed: " + joinGrouped(a.closeIssues))
	}
	if len(a.offlineNodes) > 0 {
		b.WriteString("\nOfflined: " + strings.Join(sortedKeys(a.offlineNodes), ", "))
	}
	if len(a.resumeNodes) > 0 {
		b.WriteString("\nResumed: " + strings.Join(sortedKeys(a.resumeNodes), ", "))
	}
	return b.String()
}

func (a *Aggregator) clear() {
	a.openIssues = make(map[uint]struct{})
	a.updateIssues = make(map[string]map[uint]struct{})
	a.closeIssues = make(map[string]map[uint]struct{})
	a.offlineNodes = make(map[string]struct{})
	a.resumeNodes = make(map[string]struct{})
	a.operators = make(map[string]struct{})
}

func sortedKeys(m map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(m))
}

func joinIssues(ids map[uint]struct{}) string {
	sorted := slices.Sorted(maps.Keys(ids))
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ", ")
}

func joinGrouped(grouped map[string]map[uint]struct{}) string {
	titles := slices.Sorted(maps.Keys(grouped))
	parts := make([]string, len(titles))
	for i, title := range titles {
		parts[i] = fmt.Sprintf("%s (%s)", title, joinIssues(grouped[title]))
	}
	return strings.Join(parts, "; ")
}
