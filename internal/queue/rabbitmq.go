package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"integration-hub/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConfig struct {
	URL         string
	Exchange    string
	QueuePrefix string
	Prefetch    int
}

// RabbitMQ routes process and deliver tasks through a direct exchange into
// one durable queue per task kind.
type RabbitMQ struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pubMu    sync.Mutex
	cfg      RabbitMQConfig
	logger   *zap.Logger
	queues   map[TaskKind]string
	prefetch int
}

func NewRabbitMQ(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := NewRabbitMQConnection(cfg.URL, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %v", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %v", err)
	}

	r := &RabbitMQ{
		conn:     conn,
		ch:       ch,
		cfg:      cfg,
		logger:   logger,
		queues:   make(map[TaskKind]string),
		prefetch: cfg.Prefetch,
	}
	if r.prefetch <= 0 {
		r.prefetch = 20
	}

	for _, kind := range []TaskKind{TaskProcess, TaskDeliver} {
		if err := r.declareTaskQueue(kind); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *RabbitMQ) declareTaskQueue(kind TaskKind) error {
	queueName := fmt.Sprintf("%s.%s", r.cfg.QueuePrefix, kind)

	_, err := r.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %v", queueName, err)
	}

	err = r.ch.QueueBind(
		queueName,
		string(kind), // routing key
		r.cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %v", queueName, err)
	}

	r.queues[kind] = queueName
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, task Task) error {
	if _, ok := r.queues[task.Kind]; !ok {
		return ErrUnknownKind
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %v", err)
	}

	headers := make(amqp.Table)
	headers["event_id"] = task.EventID
	if task.DeliveryID != "" {
		headers["delivery_id"] = task.DeliveryID
	}
	if task.Partition != "" {
		headers["partition"] = task.Partition
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	err = r.ch.PublishWithContext(ctx,
		r.cfg.Exchange,
		string(task.Kind), // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish task: %v", err)
	}
	return nil
}

// Consume opens a dedicated channel with the configured prefetch for one task kind.
func (r *RabbitMQ) Consume(ctx context.Context, kind TaskKind) (<-chan Envelope, error) {
	queueName, ok := r.queues[kind]
	if !ok {
		return nil, ErrUnknownKind
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %v", err)
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %v", err)
	}

	msgs, err := ch.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Consumer channel closed", zap.String("queue", queueName))
					return
				}
				var task Task
				if err := json.Unmarshal(msg.Body, &task); err != nil {
					r.logger.Error("Failed to unmarshal task",
						zap.Error(err),
						zap.String("body", string(msg.Body)))
					msg.Nack(false, false)
					continue
				}
				env := NewEnvelope(task,
					func() error { return msg.Ack(false) },
					func(requeue bool) error { return msg.Nack(false, requeue) })
				select {
				case out <- env:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// StartMetricsUpdater periodically publishes queue depths.
func (r *RabbitMQ) StartMetricsUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for kind, name := range r.queues {
					r.pubMu.Lock()
					q, err := r.ch.QueueInspect(name)
					r.pubMu.Unlock()
					if err == nil {
						metrics.QueueSize.WithLabelValues(string(kind)).Set(float64(q.Messages))
					}
				}
			}
		}
	}()
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.logger.Error("Failed to close channel", zap.Error(err))
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Error("Failed to close connection", zap.Error(err))
	}
	return nil
}
