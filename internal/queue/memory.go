package queue

import (
	"context"
	"sync"
)

const memoryBuffer = 1024

// Memory is an in-process queue for tests and single-process runs. Messages
// are lost on restart; the stale sweep re-publishes what was in flight.
type Memory struct {
	mu     sync.RWMutex
	lanes  map[TaskKind]chan Task
	closed bool
	done   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		lanes: map[TaskKind]chan Task{
			TaskProcess: make(chan Task, memoryBuffer),
			TaskDeliver: make(chan Task, memoryBuffer),
		},
		done: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, task Task) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	lane, ok := m.lanes[task.Kind]
	if !ok {
		return ErrUnknownKind
	}
	select {
	case lane <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, kind TaskKind) (<-chan Envelope, error) {
	lane, ok := m.lanes[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case task := <-lane:
				env := NewEnvelope(task, nil, func(requeue bool) error {
					if !requeue {
						return nil
					}
					go m.Publish(context.Background(), task)
					return nil
				})
				select {
				case out <- env:
				case <-ctx.Done():
					select {
					case lane <- task:
					default:
					}
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports how many tasks of a kind are waiting.
func (m *Memory) Len(kind TaskKind) int {
	return len(m.lanes[kind])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
