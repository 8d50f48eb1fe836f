package server

import (
	"context"
	"fmt"

	"integration-hub/config"
	"integration-hub/internal/cache"
	"integration-hub/internal/deadletter"
	"integration-hub/internal/delivery"
	"integration-hub/internal/endpoints"
	"integration-hub/internal/events"
	"integration-hub/internal/mapping"
	"integration-hub/internal/queue"
	"integration-hub/internal/retry"
	"integration-hub/internal/storage"
	"integration-hub/internal/syncjob"
	"integration-hub/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds every component of the hub, wired from configuration.
type App struct {
	Store     storage.Store
	Queue     queue.Queue
	Events    *events.Service
	Mappings  *mapping.Service
	Endpoints *endpoints.Registry
	DLQ       *deadletter.Manager
	Retries   *retry.Scheduler
	Engine    *delivery.Engine
	Sync      *syncjob.Orchestrator
	Limiter   cache.Limiter

	cfg    *config.Config
	logger *zap.Logger
	redis  *redis.Client
	rabbit *queue.RabbitMQ
}

func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Store = store

	switch cfg.Queue.Driver {
	case "memory":
		app.Queue = queue.NewMemory()
	case "rabbitmq", "":
		rabbit, err := queue.NewRabbitMQ(queue.RabbitMQConfig{
			URL:         cfg.RabbitMQ.URL,
			Exchange:    cfg.RabbitMQ.Exchange,
			QueuePrefix: cfg.RabbitMQ.QueuePrefix,
			Prefetch:    cfg.RabbitMQ.Prefetch,
		}, logger)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		app.rabbit = rabbit
		app.Queue = rabbit
	default:
		app.Close(ctx)
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	var statsCache cache.Cache = cache.Noop{}
	app.Limiter = cache.NewMemoryLimiter(cfg.Security.RateLimit.Requests, cfg.Security.RateLimit.Window)
	if cfg.Redis.URL != "" {
		client, err := cache.NewClient(cfg.Redis.URL)
		if err != nil {
			// ingestion keeps working without Redis
			logger.Warn("Redis unavailable, using in-process cache and rate limiting", zap.Error(err))
		} else {
			app.redis = client
			statsCache = cache.NewRedis(client, cfg.Redis.Prefix)
			app.Limiter = cache.NewRedisLimiter(client, cfg.Security.RateLimit.Requests, cfg.Security.RateLimit.Window)
		}
	}

	app.Events = events.NewService(store, app.Queue, statsCache, logger)
	app.Mappings = mapping.NewService(store, logger)
	app.Endpoints = endpoints.NewRegistry(store, logger)
	app.DLQ = deadletter.NewManager(store, app.Events, logger)
	app.Retries = retry.NewScheduler(store, app.Queue, app.DLQ, retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Lease:       cfg.Retry.Lease,
	}, logger)
	app.Engine = delivery.NewEngine(store, app.Mappings, app.Endpoints, app.Retries, app.Queue, delivery.Config{
		Timeout:   cfg.Delivery.Timeout,
		Lease:     cfg.Delivery.Lease,
		UserAgent: cfg.Delivery.UserAgent,
	}, logger)

	systems := make(map[string]syncjob.SystemConfig, len(cfg.Sync.Systems))
	for name, sys := range cfg.Sync.Systems {
		systems[name] = syncjob.SystemConfig{BaseURL: sys.BaseURL, APIKey: sys.APIKey}
	}
	app.Sync = syncjob.NewOrchestrator(store,
		syncjob.NewHTTPSource(systems, cfg.Sync.SourceTimeout),
		app.Events,
		syncjob.Config{MaxRuntime: cfg.Sync.MaxRuntime},
		logger)

	if cfg.Mappings.SeedFile != "" {
		n, err := app.Mappings.LoadSeed(ctx, cfg.Mappings.SeedFile)
		if err != nil {
			logger.Warn("Failed to load mapping seed", zap.String("path", cfg.Mappings.SeedFile), zap.Error(err))
		} else if n > 0 {
			logger.Info("Mapping seed published", zap.Int("versions", n))
		}
	}

	return app, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; data is lost on restart")
		return storage.NewMemory(), nil
	case "mongodb", "":
		return storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func (a *App) Worker() *worker.Worker {
	return worker.NewWorker(a.Queue, a.Engine, worker.Config{
		ProcessConcurrency: a.cfg.Worker.ProcessConcurrency,
		LaneWorkers:        a.cfg.Worker.LaneWorkers,
		LaneBuffer:         a.cfg.Worker.LaneBuffer,
		DeferDelay:         a.cfg.Worker.DeferDelay,
	}, a.logger)
}

func (a *App) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(a.Retries, a.Events, a.Sync, worker.SweepConfig{
		RetryInterval: a.cfg.Retry.SweepInterval,
		RetryBatch:    a.cfg.Retry.SweepBatch,
		StaleInterval: a.cfg.Events.StaleInterval,
		StaleAfter:    a.cfg.Events.StaleAfter,
		StaleBatch:    a.cfg.Events.StaleBatch,
		SyncRecover:   a.cfg.Sync.RecoverInterval,
		Schedules:     a.cfg.Sync.Schedules,
	}, a.logger)
}

// StartQueueMetrics publishes broker queue depths when RabbitMQ is in use.
func (a *App) StartQueueMetrics(ctx context.Context) {
	if a.rabbit != nil {
		a.rabbit.StartMetricsUpdater(ctx)
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	if a.Sync != nil {
		a.Sync.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.logger.Error("Failed to close queue", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(ctx); err != nil {
			a.logger.Error("Failed to close store", zap.Error(err))
		}
	}
}
