package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"loyaltyd/config"
	"loyaltyd/jobs"
	"loyaltyd/notify"
	"loyaltyd/observability/logging"
	"loyaltyd/payout"
	"loyaltyd/server"
	"loyaltyd/settlement"
	"loyaltyd/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the runtime configuration file")
	flag.Parse()

	worker := os.Getenv("WORKER")
	if worker == "" {
		worker = "server"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("loyaltyd-"+worker, cfg.Environment)

	var storeOpts []storage.Option
	if cfg.Jobs.DisableRowLocks {
		storeOpts = append(storeOpts, storage.WithoutRowLocks())
	}
	db, err := storage.Open(cfg.DatabaseDSN, storeOpts...)
	if err != nil {
		log.Error("open store", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, worker, cfg, db, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "worker", worker, "error", err.Error())
		os.Exit(1)
	}
	log.Info("shutdown complete", "worker", worker)
}

func run(ctx context.Context, worker string, cfg config.Config, db *storage.DB, log *slog.Logger) error {
	switch worker {
	case "server":
		return runServer(ctx, cfg, db, log)
	case "rule-runner":
		return runRuleRunner(ctx, cfg, db, log)
	case "notifier":
		dispatcher := notify.NewDispatcher(db, cfg.Notifier.WebhookURL, cfg.Notifier.Secret,
			notify.WithPollInterval(cfg.Notifier.PollInterval.Duration),
			notify.WithRateLimit(cfg.Notifier.RatePerSecond),
			notify.WithHTTPClient(&http.Client{Timeout: cfg.Notifier.RequestTimeout.Duration}),
			notify.WithLogger(log))
		return dispatcher.Run(ctx)
	case "settlement":
		reporter := settlement.NewReporter(db, cfg.Settlement.Lookback.Duration,
			settlement.WithInterval(cfg.Settlement.Interval.Duration),
			settlement.WithLogger(log))
		return reporter.Run(ctx)
	case "scheduler", "submitter", "reconciler", "freezer":
		return runPayout(ctx, worker, cfg, db, log)
	default:
		return fmt.Errorf("unknown WORKER %q", worker)
	}
}

func runServer(ctx context.Context, cfg config.Config, db *storage.DB, log *slog.Logger) error {
	srv := server.New(db, server.WithLogger(log))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ingress listening", "address", cfg.ListenAddress)
		errCh <- httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownGrace.Duration)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runRuleRunner(ctx context.Context, cfg config.Config, db *storage.DB, log *slog.Logger) error {
	proc := jobs.NewProcessor(db,
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithLogger(log))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Jobs.Workers; i++ {
		worker := jobs.NewWorker(proc,
			jobs.WithPollInterval(cfg.Jobs.PollInterval.Duration),
			jobs.WithReclaim(cfg.Jobs.ReclaimAfter.Duration, cfg.Jobs.ReclaimInterval.Duration),
			jobs.WithWorkerLogger(log.With("worker_index", i)))
		g.Go(func() error { return worker.Run(ctx) })
	}
	return g.Wait()
}

func runPayout(ctx context.Context, worker string, cfg config.Config, db *storage.DB, log *slog.Logger) error {
	if cfg.Payout.Provider != "sandbox" {
		return fmt.Errorf("unknown payout provider %q", cfg.Payout.Provider)
	}
	engine := payout.NewEngine(db, payout.NewSandbox(), payout.Economics{
		PointValueCents:      cfg.Payout.PointValueCents,
		Currency:             cfg.Payout.Currency,
		MinInstructionPoints: cfg.Payout.MinInstructionPts,
	},
		payout.WithInterval(cfg.Payout.Interval.Duration),
		payout.WithFreezeAfter(cfg.Payout.FreezeAfter.Duration),
		payout.WithLogger(log))

	switch worker {
	case "scheduler":
		return engine.Loop(ctx, engine.Schedule)
	case "submitter":
		return engine.Loop(ctx, engine.Submit)
	case "reconciler":
		return engine.Loop(ctx, engine.Reconcile)
	default:
		return engine.Loop(ctx, engine.Freeze)
	}
}
