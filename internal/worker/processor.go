package worker

import (
	"context"
	"fmt"
	"time"

	"integration-hub/internal/queue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler executes queued work. It is implemented by the delivery engine.
type Handler interface {
	Process(ctx context.Context, eventID string) error
	Deliver(ctx context.Context, deliveryID string) error
}

type Config struct {
	ProcessConcurrency int
	LaneWorkers        int
	LaneBuffer         int
	// DeferDelay holds tasks for a full lane before requeueing them.
	DeferDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProcessConcurrency <= 0 {
		c.ProcessConcurrency = 4
	}
	if c.LaneWorkers <= 0 {
		c.LaneWorkers = 2
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 64
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 500 * time.Millisecond
	}
	return c
}

// Worker consumes process and deliver tasks. Deliver tasks run in
// per-partition lanes.
type Worker struct {
	consumer queue.Consumer
	handler  Handler
	cfg      Config
	logger   *zap.Logger
}

func NewWorker(consumer queue.Consumer, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		consumer: consumer,
		handler:  handler,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run consumes until ctx is done, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	processing, err := w.consumer.Consume(ctx, queue.TaskProcess)
	if err != nil {
		return fmt.Errorf("failed to consume process tasks: %v", err)
	}
	delivering, err := w.consumer.Consume(ctx, queue.TaskDeliver)
	if err != nil {
		return fmt.Errorf("failed to consume deliver tasks: %v", err)
	}

	ln := newLanes(ctx, w.cfg.LaneBuffer, w.cfg.LaneWorkers, w.cfg.DeferDelay, w.deliver, w.logger)
	defer ln.close()

	g := new(errgroup.Group)
	for i := 0; i < w.cfg.ProcessConcurrency; i++ {
		g.Go(func() error {
			for env := range processing {
				w.process(context.WithoutCancel(ctx), env)
			}
			return nil
		})
	}
	g.Go(func() error {
		for env := range delivering {
			ln.dispatch(env)
		}
		return nil
	})

	w.logger.Info("Worker started",
		zap.Int("process_concurrency", w.cfg.ProcessConcurrency),
		zap.Int("lane_workers", w.cfg.LaneWorkers),
		zap.Int("lane_buffer", w.cfg.LaneBuffer))
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, env queue.Envelope) {
	start := time.Now()
	if err := w.handler.Process(ctx, env.Task.EventID); err != nil {
		// the event is left pending; the stale sweep picks it up again
		w.logger.Error("Failed to process event",
			zap.String("event_id", env.Task.EventID),
			zap.Error(err))
		_ = env.Nack(false)
		return
	}
	w.logger.Debug("Event processed",
		zap.String("event_id", env.Task.EventID),
		zap.Duration("elapsed", time.Since(start)))
	_ = env.Ack()
}

func (w *Worker) deliver(ctx context.Context, env queue.Envelope) {
	if err := w.handler.Deliver(ctx, env.Task.DeliveryID); err != nil {
		w.logger.Error("Failed to deliver",
			zap.String("event_id", env.Task.EventID),
			zap.String("delivery_id", env.Task.DeliveryID),
			zap.String("partition", env.Task.Partition),
			zap.Error(err))
		_ = env.Nack(false)
		return
	}
	_ = env.Ack()
}
