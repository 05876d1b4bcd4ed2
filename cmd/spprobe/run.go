package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filbeam/spprobe/pkg/chain"
	"github.com/filbeam/spprobe/pkg/config"
	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/index"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/pipeline"
	"github.com/filbeam/spprobe/pkg/planner"
	"github.com/filbeam/spprobe/pkg/queue"
	"github.com/filbeam/spprobe/pkg/recorder"
	"github.com/filbeam/spprobe/pkg/retention"
	"github.com/filbeam/spprobe/pkg/retrieval"
	"github.com/filbeam/spprobe/pkg/store"
	"github.com/filbeam/spprobe/pkg/worker"
)

// probeQueueName is the single queue all probe families share
const probeQueueName = "probes"

var migrateOnStart bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the probe harness",
	Long: `Run the full harness: the planner reconciles per-provider probe
schedules, the worker pool executes upload and retrieval probes from the
work queue, the retention poller tracks proving periods, and a metrics
endpoint serves Prometheus scrapes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Run pending database migrations before starting")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.PoolMax)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if migrateOnStart {
		if err := store.Migrate(st.DB().DB); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
	}

	gw, err := chain.New(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("failed to initialise chain gateway: %w", err)
	}
	defer gw.Close()

	if cfg.SyncOnStart {
		n, err := gw.SyncProviders(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync providers: %w", err)
		}
		logger.Info().Int("providers", n).Msg("provider registry synced")
	}

	providers, err := gw.TestingProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	if err := gw.EnsureWalletAllowances(ctx, len(providers)); err != nil {
		return fmt.Errorf("failed to ensure wallet allowances: %w", err)
	}

	q := queue.New(st.DB(), probeQueueName, queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
	})

	client := httpprobe.New(httpprobe.Config{
		ConnectTimeout:      time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout:      time.Duration(cfg.HTTPRequestTimeoutMs) * time.Millisecond,
		HTTP2RequestTimeout: time.Duration(cfg.HTTP2RequestTimeoutMs) * time.Millisecond,
	})
	registry := buildRegistry(cfg, client)
	rec := recorder.New(st)
	pipe := pipeline.New(gw, client, registry, rec, st, cfg)

	pool := worker.New(q, gw, pipe, rec, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		// A claim must outlive the longest probe deadline so the sweeper
		// only reclaims genuinely dead workers.
		Visibility: cfg.DealInterval() + time.Minute,
	})
	pool.Start(ctx)
	defer pool.Stop()

	pl := planner.New(st, q, gw, cfg)
	pl.Start(ctx)
	defer pl.Stop()

	poller := retention.New(gw, index.New(cfg.IndexURL), cfg.RetentionInterval(), cfg.BaselinePath)
	poller.Start(ctx)
	defer poller.Stop()

	srv := serveMetrics(cfg.ListenAddr)
	logger.Info().Str("addr", cfg.ListenAddr).Msg("harness running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown failed")
	}
	return nil
}

// buildRegistry assembles the retrieval strategies for this deployment
func buildRegistry(cfg *config.Config, client *httpprobe.Client) *retrieval.Registry {
	strategies := []retrieval.Strategy{retrieval.DirectSP{}}
	if cfg.EnableIPNITesting {
		strategies = append(strategies, retrieval.IPFSBlock{
			Client:      client,
			Concurrency: cfg.IPFSBlockFetchConcurrency,
		})
	}
	return retrieval.NewRegistry(strategies...)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("main")
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
