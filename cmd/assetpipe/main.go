package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earthring/assetpipe/internal/api"
	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/config"
	"github.com/earthring/assetpipe/internal/decoder"
	"github.com/earthring/assetpipe/internal/engine"
	"github.com/earthring/assetpipe/internal/fetch"
	"github.com/earthring/assetpipe/internal/logging"
	"github.com/earthring/assetpipe/internal/metrics"
	"github.com/earthring/assetpipe/internal/performance"
	"github.com/earthring/assetpipe/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// main starts the asset pipeline server: the preload engine, the HTTP API and
// the render surface WebSocket endpoint. "assetpipe preload KEY..." loads the
// given keys once and prints the cache report instead.
func main() {
	run := serve
	if len(os.Args) > 1 && os.Args[1] == "preload" {
		run = func() error { return preload(os.Args[2:]) }
	}
	if err := run(); err != nil {
		slog.Error("assetpipe exited", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closer := logging.Init(cfg.Logging)
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	probe := &telemetry.RuntimeProbe{}
	fetcher := fetch.New(cfg.Fetch,
		fetch.WithLogger(logger),
		fetch.WithLatencyObserver(probe.ObserveLatency),
	)

	eng, err := engine.New(cfg.Pipeline, fetcher, decoder.NewMeshDecoder(logger), engine.Options{
		Metrics:  m,
		Profiler: performance.NewProfiler(true),
		Probe:    probe,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	handler, ws := api.NewRouter(eng, cfg, reg, logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ws.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("assetpipe server starting",
			"addr", server.Addr,
			"environment", cfg.Server.Environment,
			"cache_budget", cfg.Pipeline.BudgetBytes.String(),
			"max_concurrent", cfg.Pipeline.MaxConcurrent,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if stopErr := eng.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	})

	return g.Wait()
}

// preload loads keys at high priority, waits for the batch and writes the
// report to stdout. It exits non-zero when any job failed.
func preload(keys []string) error {
	if len(keys) == 0 {
		return errors.New("usage: assetpipe preload KEY...")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer := logging.Init(cfg.Logging)
	defer closer.Close()

	eng, err := engine.New(cfg.Pipeline, fetch.New(cfg.Fetch, fetch.WithLogger(logger)), decoder.NewMeshDecoder(logger), engine.Options{
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	for _, key := range keys {
		if _, err := eng.Enqueue(asset.Key(key), asset.High, ""); err != nil {
			return fmt.Errorf("failed to queue %s: %w", key, err)
		}
	}
	summary, err := eng.Wait(ctx)
	if err != nil {
		return err
	}

	report, err := eng.Report().JSON()
	if err != nil {
		return err
	}
	fmt.Println(string(report))
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d assets failed to load", summary.Failed, summary.Total)
	}
	return nil
}
