// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hpcops/cttd/internal/changelog"
	"github.com/hpcops/cttd/internal/cluster"
	"github.com/hpcops/cttd/internal/config"
	"github.com/hpcops/cttd/internal/metrics"
	"github.com/hpcops/cttd/internal/model"
	"github.com/hpcops/cttd/internal/scheduler"
	"github.com/hpcops/cttd/internal/store"
	"github.com/hpcops/cttd/internal/tickets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScheduler is an in-memory batch system. Offline and Release
// mutate its node table the way pbsnodes would.
type fakeScheduler struct {
	mu        sync.Mutex
	nodes     map[string]scheduler.NodeStatus
	statusErr error
	released  []string
	offlined  map[string]string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		nodes:    make(map[string]scheduler.NodeStatus),
		offlined: make(map[string]string),
	}
}

func (f *fakeScheduler) free(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.nodes[n] = scheduler.NodeStatus{Status: model.TargetOnline}
	}
}

func (f *fakeScheduler) set(name string, status model.TargetStatus, comment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[name] = scheduler.NodeStatus{Status: status, Comment: comment}
}

func (f *fakeScheduler) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, name)
}

func (f *fakeScheduler) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *fakeScheduler) status(name string) model.TargetStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[name].Status
}

func (f *fakeScheduler) offlineComment(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offlined[name]
}

func (f *fakeScheduler) releasedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeScheduler) NodesStatus(ctx context.Context) (map[string]scheduler.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := make(map[string]scheduler.NodeStatus, len(f.nodes))
	for name, status := range f.nodes {
		out[name] = status
	}
	return out, nil
}

func (f *fakeScheduler) Offline(ctx context.Context, target, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlined[target] = comment
	f.nodes[target] = scheduler.NodeStatus{Status: model.TargetOffline, Comment: comment}
	return nil
}

func (f *fakeScheduler) Release(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, target)
	f.nodes[target] = scheduler.NodeStatus{Status: model.TargetOnline}
	return nil
}

func guNodes() []string {
	names := make([]string, 0, 18)
	for i := 1; i <= 18; i++ {
		names = append(names, fmt.Sprintf("gu%04d", i))
	}
	return names
}

func drainEvents(rec *changelog.Recorder) []changelog.Event {
	var events []changelog.Event
	for {
		select {
		case e := <-rec.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func commentTexts(issue *model.Issue) []string {
	texts := make([]string, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		texts = append(texts, c.Comment)
	}
	return texts
}

var _ = Describe("Reconciler", func() {
	var (
		ctx  context.Context
		st   *store.Store
		cl   cluster.Cluster
		fake *fakeScheduler
		rec  *changelog.Recorder
		svc  *tickets.Service
		m    *metrics.Metrics
		eng  *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := testLogger()

		var err error
		st, err = store.Open(":memory:", logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = st.Close() })

		cl, err = cluster.NewRegexCluster([]config.NodeType{
			{Prefix: "gu", Digits: 4, FirstNum: 1, LastNum: 18, Board: 2, Slot: 4},
		})
		Expect(err).NotTo(HaveOccurred())

		fake = newFakeScheduler()
		rec = changelog.NewRecorder(64, nil, logger)
		svc = tickets.NewService(st, cl, rec, fake, logger)
		m = metrics.New()
		eng, err = New(func() (scheduler.Scheduler, error) { return fake, nil },
			st, svc, cl, rec, m, 30*time.Second, logger)
		Expect(err).NotTo(HaveOccurred())
	})

	// seedAll brings the whole cluster up and registers every node.
	seedAll := func() {
		fake.free(guNodes()...)
		Expect(eng.SyncOnce(ctx)).To(Succeed())
		Expect(drainEvents(rec)).To(BeEmpty())
	}

	reload := func(id uint) *model.Issue {
		issue, err := svc.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return issue
	}

	targetStatus := func(name string) model.TargetStatus {
		target, err := st.TargetByName(ctx, name)
		Expect(err).NotTo(HaveOccurred())
		return target.Status
	}

	It("starts tracking nodes the scheduler reports", func() {
		fake.free("gu0003")

		Expect(eng.SyncOnce(ctx)).To(Succeed())

		Expect(targetStatus("gu0003")).To(Equal(model.TargetOnline))
		issues, err := st.Issues(ctx, store.IssueFilter{})
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(BeEmpty())
		Expect(drainEvents(rec)).To(BeEmpty())
	})

	It("does not track scheduler names that are not real nodes", func() {
		fake.free("gu0003", "login1")

		Expect(eng.SyncOnce(ctx)).To(Succeed())

		_, err := st.TargetByName(ctx, "login1")
		Expect(err).To(HaveOccurred())
	})

	It("tickets a node that went down on its own", func() {
		fake.set("gu0007", model.TargetDown, "node down: hardware fault")

		Expect(eng.SyncOnce(ctx)).To(Succeed())

		issues, err := st.Issues(ctx, store.IssueFilter{TargetName: "gu0007"})
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(HaveLen(1))
		Expect(issues[0].CreatedBy).To(Equal(changelog.SystemOperator))
		Expect(issues[0].Title).To(Equal("node down: hardware fault"))
		Expect(issues[0].ToOffline).To(BeNil())
		// created after the snapshot, so it waits a tick to promote
		Expect(issues[0].Status).To(Equal(model.IssueOpening))
		Expect(targetStatus("gu0007")).To(Equal(model.TargetDown))

		events := drainEvents(rec)
		Expect(events).To(ConsistOf(changelog.OpenEvent{
			Issue:    issues[0].ID,
			Title:    "node down: hardware fault",
			Operator: changelog.SystemOperator,
		}))

		Expect(eng.SyncOnce(ctx)).To(Succeed())
		Expect(reload(issues[0].ID).Status).To(Equal(model.IssueOpen))
	})

	It("drains the card when a card-scope ticket opens", func() {
		seedAll()

		card := model.ScopeCard
		issue, err := svc.Open(ctx, tickets.NewIssue{
			Target:    "gu0005",
			Title:     "NIC flap",
			ToOffline: &card,
		}, "alice")
		Expect(err).NotTo(HaveOccurred())
		drainEvents(rec)

		Expect(eng.SyncOnce(ctx)).To(Succeed())

		Expect(fake.offlineComment("gu0005")).To(Equal("NIC flap"))
		Expect(fake.offlineComment("gu0006")).To(Equal("gu0006 sibling"))
		Expect(targetStatus("gu0005")).To(Equal(model.TargetDraining))
		Expect(targetStatus("gu0006")).To(Equal(model.TargetDraining))
		Expect(reload(issue.ID).Status).To(Equal(model.IssueOpen))

		Expect(drainEvents(rec)).To(ConsistOf(
			changelog.OfflineEvent{Target: "gu0005", Operator: changelog.SystemOperator},
			changelog.OfflineEvent{Target: "gu0006", Operator: changelog.SystemOperator},
		))
	})

	It("releases the card once its ticket is closing", func() {
		seedAll()

		card := model.ScopeCard
		issue, err := svc.Open(ctx, tickets.NewIssue{
			Target:    "gu0005",
			Title:     "NIC flap",
			ToOffline: &card,
		}, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.SyncOnce(ctx)).To(Succeed())

		_, err = svc.Close(ctx, issue.ID, "replaced cable", "alice")
		Expect(err).NotTo(HaveOccurred())
		drainEvents(rec)

		Expect(eng.SyncOnce(ctx)).To(Succeed())

		Expect(fake.releasedNodes()).To(Equal([]string{"gu0005", "gu0006"}))
		Expect(fake.status("gu0005")).To(Equal(model.TargetOnline))
		Expect(targetStatus("gu0005")).To(Equal(model.TargetOnline))
		Expect(targetStatus("gu0006")).To(Equal(model.TargetOnline))
		Expect(reload(issue.ID).Status).To(Equal(model.IssueClosed))

		Expect(drainEvents(rec)).To(ConsistOf(
			changelog.ResumeEvent{Target: "gu0005", Operator: changelog.SystemOperator},
			changelog.ResumeEvent{Target: "gu0006", Operator: changelog.SystemOperator},
		))
	})

	It("narrows a blade ticket down to a single node", func() {
		seedAll()

		blade := model.ScopeBlade
		issue, err := svc.Open(ctx, tickets.NewIssue{
			Target:    "gu0009",
			Title:     "blade swap",
			ToOffline: &blade,
		}, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.SyncOnce(ctx)).To(Succeed())
		for _, name := range []string{"gu0009", "gu0010", "gu0011", "gu0012"} {
			Expect(fake.status(name)).To(Equal(model.TargetOffline), name)
		}
		drainEvents(rec)

		node := model.ScopeNode
		_, err = svc.Update(ctx, tickets.UpdateIssue{ID: issue.ID, ToOffline: &node}, "alice")
		Expect(err).NotTo(HaveOccurred())

		// the mutation itself resumes the de-implicated cousins
		Expect(fake.releasedNodes()).To(Equal([]string{"gu0010", "gu0011", "gu0012"}))

		Expect(eng.SyncOnce(ctx)).To(Succeed())
		Expect(targetStatus("gu0009")).To(Equal(model.TargetOffline))
		Expect(targetStatus("gu0010")).To(Equal(model.TargetOnline))
		Expect(targetStatus("gu0011")).To(Equal(model.TargetOnline))
		Expect(targetStatus("gu0012")).To(Equal(model.TargetOnline))

		events := drainEvents(rec)
		Expect(events).To(ContainElements(
			changelog.ResumeEvent{Target: "gu0010", Operator: "alice"},
			changelog.ResumeEvent{Target: "gu0011", Operator: "alice"},
			changelog.ResumeEvent{Target: "gu0012", Operator: "alice"},
			changelog.UpdateEvent{Issue: issue.ID, Title: "blade swap", Operator: "alice"},
		))
	})

	It("returns the same issue for duplicate opens", func() {
		seedAll()

		first, err := svc.Open(ctx, tickets.NewIssue{Target: "gu0001", Title: "bad memory"}, "alice")
		Expect(err).NotTo(HaveOccurred())
		second, err := svc.Open(ctx, tickets.NewIssue{Target: "gu0001", Title: "bad memory"}, "bob")
		Expect(err).NotTo(HaveOccurred())

		Expect(second.ID).To(Equal(first.ID))
		issues, err := st.Issues(ctx, store.IssueFilter{TargetName: "gu0001"})
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(HaveLen(1))
		Expect(drainEvents(rec)).To(ConsistOf(changelog.OpenEvent{
			Issue:    first.ID,
			Title:    "bad memory",
			Operator: "alice",
		}))
	})

	It("closes tickets when a down node comes back", func() {
		fake.set("gu0002", model.TargetDown, "dead")
		Expect(eng.SyncOnce(ctx)).To(Succeed())
		issues, err := st.Issues(ctx, store.IssueFilter{TargetName: "gu0002"})
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(HaveLen(1))
		drainEvents(rec)

		fake.free("gu0002")
		Expect(eng.SyncOnce(ctx)).To(Succeed())

		// closed outright, and the promotion pass must not drag the
		// snapshot id back to Open
		issue := reload(issues[0].ID)
		Expect(issue.Status).To(Equal(model.IssueClosed))
		Expect(commentTexts(issue)).To(ContainElement("node found up, assuming issue is resolved"))
		Expect(targetStatus("gu0002")).To(Equal(model.TargetOnline))
	})

	It("tickets a tracked node the scheduler stopped reporting", func() {
		fake.free("gu0001", "gu0002")
		Expect(eng.SyncOnce(ctx)).To(Succeed())
		drainEvents(rec)

		fake.drop("gu0002")
		Expect(eng.SyncOnce(ctx)).To(Succeed())
		Expect(eng.SyncOnce(ctx)).To(Succeed())

		issues, err := st.Issues(ctx, store.IssueFilter{TargetName: "gu0002"})
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(HaveLen(1))
		Expect(issues[0].Title).To(Equal("Node not found in pbs"))
		Expect(issues[0].Description).To(Equal("Node not found in pbs"))
		Expect(issues[0].CreatedBy).To(Equal(changelog.SystemOperator))
	})

	It("recovers from an expired credential", func() {
		expired := newFakeScheduler()
		expired.setErr(errors.New("pbsnodes: Expired credential"))
		healthy := newFakeScheduler()
		healthy.free("gu0001")

		handles := []scheduler.Scheduler{expired, healthy}
		next := 0
		factory := func() (scheduler.Scheduler, error) {
			h := handles[next]
			if next < len(handles)-1 {
				next++
			}
			return h, nil
		}

		fresh, err := New(factory, st, svc, cl, rec, m, 30*time.Second, testLogger())
		Expect(err).NotTo(HaveOccurred())

		Expect(fresh.SyncOnce(ctx)).To(Succeed())
		Expect(targetStatus("gu0001")).To(Equal(model.TargetOnline))
		Expect(testutil.ToFloat64(m.TickFailures)).To(BeZero())
	})

	It("aborts the tick on other scheduler errors", func() {
		fake.setErr(errors.New("connection refused"))

		Expect(eng.SyncOnce(ctx)).NotTo(Succeed())

		Expect(testutil.ToFloat64(m.TickFailures)).To(Equal(1.0))
		targets, err := st.Targets(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(targets).To(BeEmpty())
	})

	It("panics if a draining state is ever expected", func() {
		target := &model.Target{ID: 1, Name: "gu0001", Status: model.TargetOnline}
		Expect(func() {
			eng.transition(ctx, target, tickets.Expectation{Status: model.TargetDraining},
				scheduler.NodeStatus{Status: model.TargetOnline})
		}).To(PanicWith("expected state is never Draining"))
	})
})
