// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// cttd is the cluster ticket tracker daemon. It reconciles operator tickets
// with the batch scheduler, serves the HTTPS API, and posts activity digests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hpcops/cttd/internal/auth"
	"github.com/hpcops/cttd/internal/authz"
	"github.com/hpcops/cttd/internal/changelog"
	"github.com/hpcops/cttd/internal/cluster"
	"github.com/hpcops/cttd/internal/config"
	"github.com/hpcops/cttd/internal/engine"
	"github.com/hpcops/cttd/internal/logging"
	"github.com/hpcops/cttd/internal/metrics"
	"github.com/hpcops/cttd/internal/scheduler"
	"github.com/hpcops/cttd/internal/server"
	"github.com/hpcops/cttd/internal/server/handlers"
	"github.com/hpcops/cttd/internal/store"
	"github.com/hpcops/cttd/internal/tickets"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cttd <config-file>")
		os.Exit(1)
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	baseLogger := logging.New(cfg.LogLevel)
	slog.SetDefault(baseLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DB, baseLogger.With("component", "store"))
	if err != nil {
		baseLogger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}

	cl, err := cluster.New(cfg.Cluster, baseLogger.With("component", "cluster"))
	if err != nil {
		baseLogger.Error("failed to build topology resolver", slog.Any("error", err))
		os.Exit(1)
	}

	factory, err := scheduler.NewFactory(cfg.Scheduler, baseLogger.With("component", "scheduler"))
	if err != nil {
		baseLogger.Error("failed to configure scheduler adapter", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.New()

	changelogLogger := baseLogger.With("component", "changelog")
	rec := changelog.NewRecorder(changelog.DefaultCapacity, m.EventsDropped.Inc, changelogLogger)

	var notifier changelog.Notifier
	if cfg.Slack.Token != "" {
		notifier = changelog.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel, changelogLogger)
	} else {
		baseLogger.Info("no slack token configured, digests go to the log")
		notifier = changelog.LogNotifier{Logger: changelogLogger}
	}

	agg := changelog.NewAggregator(rec.Events(), notifier, cfg.DigestInterval(), changelogLogger)
	var aggDone sync.WaitGroup
	aggDone.Add(1)
	go func() {
		defer aggDone.Done()
		// The aggregator exits when the recorder channel closes, flushing
		// a final digest first; the signal context must not cut that short.
		agg.Run(context.Background())
	}()

	// The mutation path serializes scheduler calls on its own handle, apart
	// from the reconciler's.
	mutationSched, err := factory()
	if err != nil {
		baseLogger.Error("failed to build scheduler handle", slog.Any("error", err))
		os.Exit(1)
	}
	svc := tickets.NewService(st, cl, rec, mutationSched, baseLogger.With("component", "tickets"))

	enforcer, err := authz.NewEnforcer(st.DB(), baseLogger.With("component", "authz"))
	if err != nil {
		baseLogger.Error("failed to initialize authorization", slog.Any("error", err))
		os.Exit(1)
	}

	authSvc, err := auth.NewService(cfg.Auth, baseLogger.With("component", "auth"))
	if err != nil {
		baseLogger.Error("failed to initialize auth", slog.Any("error", err))
		os.Exit(1)
	}

	eng, err := engine.New(factory, st, svc, cl, rec, m, cfg.PollDuration(), baseLogger.With("component", "engine"))
	if err != nil {
		baseLogger.Error("failed to start reconciler", slog.Any("error", err))
		os.Exit(1)
	}

	handler, err := handlers.New(svc, authSvc, enforcer, m, baseLogger.With("component", "handlers"))
	if err != nil {
		baseLogger.Error("failed to build http handlers", slog.Any("error", err))
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Addr:     cfg.ServerAddr,
		CertsDir: cfg.CertsDir,
	}, handler.Routes(), baseLogger)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	serverErr := srv.Run(ctx)

	// Teardown order: stop the reconciler (it finishes its in-flight tick),
	// close the event channel, then wait for the final digest.
	cancel()
	<-engineDone
	rec.Close()
	aggDone.Wait()

	if err := st.Close(); err != nil {
		baseLogger.Error("failed to close database", slog.Any("error", err))
	}

	if serverErr != nil {
		baseLogger.Error("server error", slog.Any("error", serverErr))
		os.Exit(1)
	}
	baseLogger.Info("daemon stopped gracefully")
}
