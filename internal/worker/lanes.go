package worker

import (
	"context"
	"sync"
	"time"

	"integration-hub/internal/queue"
	"integration-hub/pkg/metrics"

	"go.uber.org/zap"
)

// lane serializes deliveries for one partition through a bounded buffer
// drained by a fixed number of goroutines.
type lane struct {
	partition string
	tasks     chan queue.Envelope
}

// lanes routes deliver tasks to a lane per partition, created on first use.
// A full lane parks the task instead of blocking, so one slow target never
// holds up the others. A parked task is offered to its lane once more after
// deferDelay and only then handed back to the queue. Parked tasks stay
// unacknowledged, so the broker prefetch bounds how many can pile up.
type lanes struct {
	mu         sync.Mutex
	byName     map[string]*lane
	buffer     int
	workers    int
	deferDelay time.Duration
	handle     func(ctx context.Context, env queue.Envelope)
	logger     *zap.Logger
	wg         sync.WaitGroup
	parked     sync.WaitGroup
	ctx        context.Context
	draining   bool
}

func newLanes(ctx context.Context, buffer, workers int, deferDelay time.Duration, handle func(context.Context, queue.Envelope), logger *zap.Logger) *lanes {
	return &lanes{
		byName:     make(map[string]*lane),
		buffer:     buffer,
		workers:    workers,
		deferDelay: deferDelay,
		handle:     handle,
		logger:     logger,
		ctx:        ctx,
	}
}

// dispatch hands env to its partition's lane. It returns false when the task
// was deferred.
func (l *lanes) dispatch(env queue.Envelope) bool {
	partition, accepted := l.offer(env)
	if accepted {
		return true
	}

	metrics.TasksDeferred.WithLabelValues(partition).Inc()
	l.logger.Debug("Lane full, deferring task",
		zap.String("partition", partition),
		zap.String("delivery_id", env.Task.DeliveryID))
	l.park(env)
	return false
}

func (l *lanes) park(env queue.Envelope) {
	l.mu.Lock()
	if l.draining || l.deferDelay <= 0 {
		l.mu.Unlock()
		l.requeue(env)
		return
	}
	l.parked.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.parked.Done()
		timer := time.NewTimer(l.deferDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if _, accepted := l.offer(env); accepted {
				return
			}
		case <-l.ctx.Done():
		}
		l.requeue(env)
	}()
}

func (l *lanes) requeue(env queue.Envelope) {
	if err := env.Nack(true); err != nil {
		l.logger.Error("Failed to defer task", zap.String("delivery_id", env.Task.DeliveryID), zap.Error(err))
	}
}

func (l *lanes) offer(env queue.Envelope) (string, bool) {
	partition := env.Task.Partition
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.draining {
		return partition, false
	}
	ln, ok := l.byName[partition]
	if !ok {
		ln = &lane{partition: partition, tasks: make(chan queue.Envelope, l.buffer)}
		l.byName[partition] = ln
		for i := 0; i < l.workers; i++ {
			l.wg.Add(1)
			go l.run(ln)
		}
		l.logger.Info("Lane opened", zap.String("partition", partition), zap.Int("workers", l.workers))
	}

	select {
	case ln.tasks <- env:
		metrics.LaneBacklog.WithLabelValues(partition).Set(float64(len(ln.tasks)))
		return partition, true
	default:
		return partition, false
	}
}

func (l *lanes) run(ln *lane) {
	defer l.wg.Done()
	for env := range ln.tasks {
		metrics.LaneBacklog.WithLabelValues(ln.partition).Set(float64(len(ln.tasks)))
		if l.ctx.Err() != nil {
			// shutting down: hand buffered work back rather than starting it
			_ = env.Nack(true)
			continue
		}
		// an attempt that has started runs to completion
		l.handle(context.WithoutCancel(l.ctx), env)
	}
}

// close stops accepting tasks and waits for buffered and parked ones.
func (l *lanes) close() {
	l.mu.Lock()
	l.draining = true
	for _, ln := range l.byName {
		close(ln.tasks)
	}
	l.mu.Unlock()
	l.parked.Wait()
	l.wg.Wait()
}
