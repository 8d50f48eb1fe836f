package queue

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("queue closed")
	ErrUnknownKind = errors.New("unknown task kind")
)

type TaskKind string

const (
	// TaskProcess fans an event out to its deliveries.
	TaskProcess TaskKind = "process"
	// TaskDeliver performs one HTTP attempt for a delivery.
	TaskDeliver TaskKind = "deliver"
)

// Task is the unit of work carried by the queue. Deliver tasks are
// partitioned by target system.
type Task struct {
	Kind       TaskKind `json:"kind"`
	EventID    string   `json:"event_id"`
	DeliveryID string   `json:"delivery_id,omitempty"`
	Partition  string   `json:"partition,omitempty"`
}

func ProcessTask(eventID string) Task {
	return Task{Kind: TaskProcess, EventID: eventID}
}

func DeliverTask(eventID, deliveryID, targetSystem string) Task {
	return Task{Kind: TaskDeliver, EventID: eventID, DeliveryID: deliveryID, Partition: targetSystem}
}

// Envelope is a received task. Exactly one of Ack or Nack must be called.
type Envelope struct {
	Task Task
	ack  func() error
	nack func(requeue bool) error
}

func NewEnvelope(task Task, ack func() error, nack func(requeue bool) error) Envelope {
	return Envelope{Task: task, ack: ack, nack: nack}
}

func (e Envelope) Ack() error {
	if e.ack == nil {
		return nil
	}
	return e.ack()
}

// Nack rejects the task; with requeue it is handed to another consumer later.
func (e Envelope) Nack(requeue bool) error {
	if e.nack == nil {
		return nil
	}
	return e.nack(requeue)
}

type Publisher interface {
	Publish(ctx context.Context, task Task) error
	Close() error
}

type Consumer interface {
	// Consume streams tasks of one kind until ctx is done.
	Consume(ctx context.Context, kind TaskKind) (<-chan Envelope, error)
}

type Queue interface {
	Publisher
	Consumer
}
