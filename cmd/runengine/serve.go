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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/example/runengine/internal/config"
	"github.com/example/runengine/internal/driver"
	"github.com/example/runengine/pkg/runmodel"
)

const (
	pollInterval      = 2 * time.Second
	pollBatchSize     = 25
	shutdownDrainWait = 30 * time.Second
)

func buildServeCmd() *cobra.Command {
	var instanceID string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a run engine worker process",
		Long: `Start a worker that polls for queued runs, claims ownership, drives the
LLM/tool step loop, streams events to Redis, and persists the transcript.

Graceful shutdown is handled on SIGINT/SIGTERM: the poll loop stops claiming
new runs, in-flight runs finish, then every collaborator is closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if instanceID == "" {
				instanceID = defaultInstanceID(cfg)
			}
			return runServe(cmd.Context(), cfg, instanceID, concurrency)
		},
	}

	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Identifier for this process's ownership leases (defaults to host:pid)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "Maximum number of runs driven concurrently by this process")
	return cmd
}

func defaultInstanceID(cfg config.Config) string {
	if cfg.Server.InstanceID != "" {
		return cfg.Server.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "runengine"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func runServe(ctx context.Context, cfg config.Config, instanceID string, concurrency int) error {
	w, err := buildWorker(ctx, cfg, instanceID)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv, httpErrCh := startHTTPServer(cfg, w)

	w.logger.Info(ctx, "runengine worker started",
		"instance_id", instanceID,
		"concurrency", concurrency,
		"http_port", cfg.Server.HTTPPort,
	)

	pollErrCh := make(chan error, 1)
	go func() { pollErrCh <- pollLoop(ctx, w, instanceID, concurrency) }()

	select {
	case <-ctx.Done():
		w.logger.Info(context.Background(), "shutdown signal received, draining in-flight runs")
	case err := <-pollErrCh:
		if err != nil {
			w.logger.Error(context.Background(), "poll loop exited with error", "error", err)
		}
	case err := <-httpErrCh:
		if err != nil {
			w.logger.Error(context.Background(), "http server exited with error", "error", err)
		}
	}

	w.ownership.Shutdown()
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainWait)
	defer cancel()
	if err := w.ownership.WaitDrain(drainCtx, 200*time.Millisecond); err != nil {
		w.logger.Warn(context.Background(), "runs still active at shutdown deadline", "error", err)
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn(context.Background(), "http server shutdown error", "error", err)
		}
	}

	w.Close(context.Background())
	w.logger.Info(context.Background(), "runengine worker stopped")
	return nil
}

// pollLoop repeatedly claims queued runs and hands each to the driver on its
// own goroutine, bounded by a semaphore so one process never drives more
// than concurrency runs at once.
func pollLoop(ctx context.Context, w *worker, instanceID string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if w.ownership.IsShuttingDown() {
			continue
		}

		runs, err := w.store.ListQueuedRuns(ctx, pollBatchSize)
		if err != nil {
			w.logger.Warn(ctx, "failed to list queued runs", "error", err)
			continue
		}

		for _, run := range runs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}

			claimed, err := w.ownership.Claim(ctx, run.ID)
			if err != nil {
				w.logger.Warn(ctx, "failed to claim run", "run_id", run.ID, "error", err)
				<-sem
				continue
			}
			if !claimed {
				<-sem
				continue
			}

			go func(r *runmodel.AgentRun) {
				defer func() { <-sem }()
				defer w.ownership.Release(r.ID)
				runCtx := context.Background()
				if err := w.driver.RunJob(runCtx, driver.JobRequest{
					RunID:      r.ID,
					ThreadID:   r.ThreadID,
					InstanceID: instanceID,
					ProjectID:  r.ProjectID,
					Model:      r.Model,
					AgentID:    r.AgentID,
					AccountID:  r.AccountID,
					RequestID:  r.ID,
				}); err != nil {
					w.logger.Error(runCtx, "run job failed to start", "run_id", r.ID, "error", err)
				}
			}(run)
		}
	}
}

func startHTTPServer(cfg config.Config, w *worker) (*http.Server, <-chan error) {
	errCh := make(chan error, 1)
	if cfg.Server.HTTPPort == 0 {
		return nil, errCh
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		handleHealthz(rw, r, w)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return srv, errCh
}

func handleHealthz(rw http.ResponseWriter, r *http.Request, w *worker) {
	rw.Header().Set("Content-Type", "application/json")
	status := "ok"
	code := http.StatusOK
	if err := w.redis.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"status":        status,
		"active_runs":   w.ownership.ActiveRunCount(),
		"shutting_down": w.ownership.IsShuttingDown(),
	})
}
