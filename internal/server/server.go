package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"integration-hub/api/router"
	"integration-hub/config"
	"integration-hub/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.Logger
	app           *App
	embedded      bool

	cancel     context.CancelFunc
	background *errgroup.Group
}

func NewServer(cfg *config.Config, logger *logger.Logger) (*Server, error) {
	log := logger.Component("hub")
	app, err := NewApp(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Driver == "memory" && !cfg.Server.EmbeddedWorker {
		log.Warn("Memory queue without embedded worker; queued tasks will not be processed")
	}

	r := router.Setup(log, router.Services{
		Store:     app.Store,
		Events:    app.Events,
		Mappings:  app.Mappings,
		Endpoints: app.Endpoints,
		DLQ:       app.DLQ,
		Sync:      app.Sync,
		Limiter:   app.Limiter,
	}, cfg.Security, cfg.Monitoring.MetricsPath)

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		metricsServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:   logger,
		app:      app,
		embedded: cfg.Server.EmbeddedWorker,
	}, nil
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.background = new(errgroup.Group)
	s.app.StartQueueMetrics(ctx)

	if s.embedded {
		w, sweeper := s.app.Worker(), s.app.Sweeper()
		s.background.Go(func() error { return w.Run(ctx) })
		s.background.Go(func() error { return sweeper.Run(ctx) })
		s.logger.Info("Embedded worker started")
	}

	go func() {
		s.logger.Info("Metrics server starting on port " + s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("metrics server error: %v", err)
		}
	}()

	s.logger.Info("Server starting on " + s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	s.logger.Info("Server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if merr := s.metricsServer.Shutdown(ctx); merr != nil {
		s.logger.Error("failed to stop metrics server", zap.Error(merr))
	}

	if s.cancel != nil {
		s.cancel()
		if werr := s.background.Wait(); werr != nil {
			s.logger.Error("embedded worker stopped with error", zap.Error(werr))
		}
	}
	s.app.Close(ctx)
	return err
}
