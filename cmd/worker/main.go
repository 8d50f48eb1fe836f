package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"integration-hub/config"
	"integration-hub/internal/server"
	"integration-hub/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logger.NewLogger(cfg.LogLevel, "worker")
	defer logger.Sync()

	if cfg.Queue.Driver == "memory" {
		logger.Fatalf("The memory queue only works in-process; set server.embedded_worker instead of running a separate worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, logger.Component("hub"))
	if err != nil {
		logger.Fatalf("Failed to initialize worker: %v", err)
	}
	app.StartQueueMetrics(ctx)

	mux := http.NewServeMux()
	mux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Worker().Run(gctx) })
	g.Go(func() error { return app.Sweeper().Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("Worker started successfully")
	if err := g.Wait(); err != nil {
		logger.Errorf("Worker stopped with error: %v", err)
	}

	logger.Info("Worker shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Close(closeCtx)
}
