package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-schedd/internal/config"
	"github.com/basket/go-schedd/internal/cron"
	"github.com/basket/go-schedd/internal/executor"
	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/notify"
	"github.com/basket/go-schedd/internal/otel"
	"github.com/basket/go-schedd/internal/scheduler"
	"github.com/basket/go-schedd/internal/shared"
)

// runDaemon runs the scheduler loop until ctx is cancelled. With -once it
// runs a single poll cycle, waits for the executions it started and exits.
func runDaemon(ctx context.Context, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	once := fs.Bool("once", false, "run one poll cycle and exit")
	quiet := fs.Bool("quiet", false, "log to the log file only")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return usage(stderr, "run [-once] [-quiet]")
	}

	rt, err := openRuntime(*quiet || *once)
	if err != nil {
		return fatalStartup(stderr, nil, "E_RUNTIME_OPEN", err)
	}
	defer rt.Close()
	cfg := rt.cfg
	logger := rt.logger

	if cfg.Executor.Command == "" {
		return fatalStartup(stderr, logger, "E_EXECUTOR_MISSING",
			errors.New("executor.command is not set (config.yaml or SCHEDD_EXECUTOR_COMMAND)"))
	}
	exec, err := executor.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.WorkDir)
	if err != nil {
		return fatalStartup(stderr, logger, "E_EXECUTOR_INVALID", err)
	}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(stderr, logger, "E_OTEL_INIT", err)
	}
	defer func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(stderr, logger, "E_OTEL_METRICS", err)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = shared.NewWorkerID(host)
	}
	inbox := notify.New(notify.Config{Store: rt.store, Logger: logger, Metrics: metrics})
	leases := lease.NewManager(lease.Config{
		Store:           rt.store,
		WorkerID:        workerID,
		LeaseDuration:   cfg.LeaseDuration,
		Policy:          lease.RetryPolicy{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay},
		NotifyOnFailure: cfg.NotifyOnFailure,
		Inbox:           inbox,
		Bus:             rt.bus,
		Logger:          logger,
		Metrics:         metrics,
	})
	loop, err := scheduler.New(scheduler.Config{
		Store:           rt.store,
		Leases:          leases,
		Executor:        exec,
		Bus:             rt.bus,
		Logger:          logger,
		Tracer:          provider.Tracer,
		Metrics:         metrics,
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Concurrency,
		RenewInterval:   cfg.RenewInterval,
		ExecuteTimeout:  cfg.ExecuteTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
	})
	if err != nil {
		return fatalStartup(stderr, logger, "E_SCHEDULER_CONFIG", err)
	}

	if *once {
		return runOnce(ctx, loop, cfg, out, stderr)
	}

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:  rt.store,
		Logger: logger,
		Policy: cfg.RetentionPolicy(),
		Spec:   cfg.Retention.SweepCron,
	})
	if err != nil {
		return fatalStartup(stderr, logger, "E_SWEEP_SCHEDULE", err)
	}

	logger.Info("schedd starting",
		"version", Version,
		"worker_id", workerID,
		"db_path", cfg.DBPath,
		"concurrency", cfg.Concurrency,
		"lease_duration", cfg.LeaseDuration,
		"config_fingerprint", cfg.Fingerprint(),
	)

	g, gctx := errgroup.WithContext(ctx)
	loop.Start(gctx)
	sweeper.Start(gctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			reloadTunables(watcher, loop, cfg.HomeDir, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sweeper.Stop()
		if !loop.Drain(cfg.DrainTimeout) {
			logger.Warn("drain timed out; leases of interrupted executions will expire",
				"drain_timeout", cfg.DrainTimeout)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("schedd stopped with error", "error", err)
		return 1
	}

	st := loop.Status()
	logger.Info("schedd stopped",
		"claimed", st.Claimed,
		"completed", st.Completed,
		"retried", st.Retried,
		"failed", st.Failed,
		"lease_lost", st.LeaseLost,
	)
	return 0
}

// reloadTunables applies poll_interval and batch_size from config.yaml on
// every change until the watcher stops. Other settings need a restart.
func reloadTunables(w *config.Watcher, loop *scheduler.Loop, homeDir string, logger *slog.Logger) {
	for range w.Events() {
		next, err := config.LoadFrom(homeDir)
		if err != nil {
			logger.Warn("config reload rejected", "error", err)
			continue
		}
		loop.SetTunables(next.PollInterval, next.BatchSize)
		logger.Info("config reloaded",
			"config_fingerprint", next.Fingerprint(),
			"poll_interval", next.PollInterval,
			"batch_size", next.BatchSize,
		)
	}
}

func runOnce(ctx context.Context, loop *scheduler.Loop, cfg config.Config, out *printer, stderr io.Writer) int {
	if _, err := loop.PollOnce(ctx); err != nil {
		return fail(stderr, fmt.Errorf("poll: %w", err))
	}
	code := 0
	if !loop.Drain(cfg.DrainTimeout) {
		fmt.Fprintf(stderr, "drain timed out after %s\n", cfg.DrainTimeout)
		code = 1
	}
	st := loop.Status()
	if err := out.emit(st, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "worker\t%s\n", st.WorkerID)
		fmt.Fprintf(tw, "claimed\t%d\n", st.Claimed)
		fmt.Fprintf(tw, "completed\t%d\n", st.Completed)
		fmt.Fprintf(tw, "retried\t%d\n", st.Retried)
		fmt.Fprintf(tw, "failed\t%d\n", st.Failed)
		fmt.Fprintf(tw, "cancelled\t%d\n", st.Cancelled)
		fmt.Fprintf(tw, "lease lost\t%d\n", st.LeaseLost)
	}); err != nil {
		return fail(stderr, err)
	}
	return code
}
