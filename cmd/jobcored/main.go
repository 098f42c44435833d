// Command jobcored is the jobcore daemon: it opens the Store, wires the
// Connection Pool, Queue Manager, and Workflow Orchestrator, and runs
// their worker loops until signalled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobcore/jobcore/internal/config"
	"github.com/jobcore/jobcore/internal/logging"
	"github.com/jobcore/jobcore/internal/orchestrator"
	"github.com/jobcore/jobcore/internal/pool"
	"github.com/jobcore/jobcore/internal/queue"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/runner/batch"
	"github.com/jobcore/jobcore/internal/runner/local"
	"github.com/jobcore/jobcore/internal/runner/sshrunner"
	"github.com/jobcore/jobcore/internal/secret"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/jobcore/jobcore/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	st, err := store.Open(context.Background(), cfg.Store.DBPath, store.Options{
		PoolSize:    int(cfg.Store.MaxConnections),
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	secrets := secret.NewEnvStore()

	connPool := pool.New(pool.Config{
		HostKeyMode:      pool.HostKeyMode(cfg.Pool.HostKeyMode),
		KnownHostsPath:   cfg.Pool.KnownHostsPath,
		DialTimeout:      cfg.Pool.DialTimeout,
		ProbeTimeout:     cfg.Pool.ProbeTimeout,
		HealthInterval:   cfg.Pool.HealthInterval,
		FailureThreshold: cfg.Pool.FailureThreshold,
		StaleAge:         cfg.Pool.StaleAge,
		MaxProbeFanout:   cfg.Pool.MaxProbeFanout,
	}, secrets, nil, logger)
	defer connPool.Close()

	runners := map[store.RunnerKind]runner.Runner{
		store.RunnerLocal: local.New(runner.DefaultCancelGrace, logger),
		store.RunnerSSH:   sshrunner.New(connPool, st),
		store.RunnerBatch: batch.New(connPool, st),
	}

	qm := queue.New(queue.Options{
		Store:              st,
		Runners:            runners,
		Logger:             logger,
		SchedulingInterval: cfg.Queue.SchedulingInterval,
	})

	renderer := template.NewFileRenderer(cfg.Orchestrator.TemplateRoot)
	orch := orchestrator.New(st, qm, renderer, cfg.Orchestrator.ScratchDir, logger)
	qm.SetNotifier(orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := qm.Rehydrate(ctx); err != nil {
		logger.WithError(err).Fatal("failed to rehydrate queue from store")
	}

	go func() {
		logger.Info("starting queue scheduler")
		qm.Run(ctx)
	}()

	go func() {
		logger.Info("starting connection pool health loop")
		connPool.StartHealthLoop(ctx)
	}()

	go func() {
		logger.WithField("interval", cfg.Orchestrator.TickInterval).Info("starting workflow orchestrator")
		orch.Run(ctx, cfg.Orchestrator.TickInterval)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down jobcored")
	cancel()
}
