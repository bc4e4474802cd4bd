package bus

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process Bus for single-process deployments and tests.
// Slow topic subscribers miss messages rather than block publishers.
type Memory struct {
	mu     sync.Mutex
	buffer int
	queues map[string]chan Envelope
	subs   map[string]map[int]chan Envelope
	nextID int
	closed bool
	done   chan struct{}
}

// NewMemory returns a bus whose queues and subscriptions hold up to buffer
// messages each. buffer <= 0 selects a default.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		buffer: buffer,
		queues: make(map[string]chan Envelope),
		subs:   make(map[string]map[int]chan Envelope),
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) (chan Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Envelope, m.buffer)
		m.queues[name] = q
	}
	return q, nil
}

func (m *Memory) Enqueue(ctx context.Context, queue string, env Envelope) error {
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	select {
	case q <- env:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context, queue string) (Envelope, error) {
	q, err := m.queue(queue)
	if err != nil {
		return Envelope{}, err
	}
	select {
	case env := <-q:
		return env, nil
	case <-m.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Len reports the number of messages waiting on a queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

func (m *Memory) Publish(_ context.Context, topic string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Envelope, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Envelope, m.buffer)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]chan Envelope)
	}
	m.subs[topic][id] = ch
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[topic][id]; ok {
			delete(m.subs[topic], id)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
