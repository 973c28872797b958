/*
main.go - Application entry point

PURPOSE:
  Starts the enrollment engine HTTP server and exposes the reconciliation
  jobs as one-shot commands. Handles configuration, dependency injection,
  and graceful shutdown.

COMMANDS:
  serve       HTTP API + optional cron reconciliation (default)
  reconcile   One recorded scan; --repair applies additive fixes
  maintain    Retry stuck approvals, sweep processed requests, purge
              expired idempotency records

STARTUP SEQUENCE:
  1. Load config (.env, environment, then flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Pick the pair lock: Redis when REDIS_ADDR is set, else in-process
  5. Build engine, services, router
  6. Start server and scheduler with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running tick)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --db ./data/enrollment.db
  ./server serve --db ":memory:" --port 3000
  ./server reconcile --repair

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Reconciliation job
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/enrollment-engine/api"
	"github.com/warp/enrollment-engine/config"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/logging"
	"github.com/warp/enrollment-engine/store/redislock"
	"github.com/warp/enrollment-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs, built once from config.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *sqlite.Store
	handler *api.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newRootCmd() *cobra.Command {
	cfg, warnings := config.Load()

	root := &cobra.Command{
		Use:          "server",
		Short:        "Enrollment consistency and reconciliation engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path (":memory:" for in-memory)`)
	root.PersistentFlags().StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "dev or prod")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the distributed pair lock")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context(), cfg, warnings)
			if err != nil {
				return err
			}
			defer a.Close()
			return serveHTTP(a)
		},
	}
	serve.Flags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	serve.Flags().StringVar(&cfg.ReconcileCron, "cron", cfg.ReconcileCron, "reconciliation schedule (empty disables)")
	serve.Flags().BoolVar(&cfg.ReconcileAutoRepair, "auto-repair", cfg.ReconcileAutoRepair, "repair after each scheduled scan")

	var repair bool
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Scan both ledgers once and record the run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context(), cfg, warnings)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.handler.Job.Run(cmd.Context(), "cli", repair)
			if err != nil {
				return err
			}
			report := res.Before
			if res.After != nil {
				report = res.After
			}
			if err := printJSON(cmd, api.RepairResponse{
				RunID:  res.Run.ID,
				Before: res.Before,
				Repair: res.Repair,
				After:  res.After,
			}); err != nil {
				return err
			}
			if !report.Healthy {
				return fmt.Errorf("%d findings remain", len(report.Findings))
			}
			return nil
		},
	}
	reconcile.Flags().BoolVar(&repair, "repair", false, "apply additive repairs after the scan")

	maintain := &cobra.Command{
		Use:   "maintain",
		Short: "Retry stuck approvals, sweep requests, purge idempotency records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context(), cfg, warnings)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.handler.Job.Maintain(cmd.Context())
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			return err
		},
	}

	root.AddCommand(serve, reconcile, maintain)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func build(ctx context.Context, cfg *config.Config, warnings []string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, log.Sync)
	for _, w := range warnings {
		log.Warn("config", "warning", w)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	var locker enrollment.Locker = enrollment.NewKeyedLocker(cfg.LockTimeout)
	if cfg.RedisAddr != "" {
		rdb, err := redislock.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		locker = redislock.New(rdb, redislock.Options{TTL: cfg.LockTTL, Timeout: cfg.LockTimeout}, log)
		log.Info("using redis pair lock", "addr", cfg.RedisAddr)
	}

	engine := enrollment.NewEngine(store, locker, log)
	engine.TxTimeout = cfg.TxTimeout
	idem := enrollment.NewIdempotency(store, log)

	h := api.NewHandler(store, engine, idem, log)
	h.Reconciler.Tolerance = cfg.ProgressTolerance
	h.Checkout.TTL = cfg.WebhookTTL
	a.handler = h
	return a, nil
}

func serveHTTP(a *app) error {
	scheduler := api.NewReconciliationScheduler(a.handler.Job, a.cfg.ReconcileCron, a.cfg.ReconcileAutoRepair, a.log)
	if err := scheduler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      api.NewRouter(a.handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr, "db", a.cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-errCh:
		if ok {
			scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	}

	a.log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
