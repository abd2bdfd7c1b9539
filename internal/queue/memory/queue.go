// Package memory provides a dispatch queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/rss-dispatch/internal/queue"
)

// Stats summarizes what happened to published messages.
type Stats struct {
	Published int
	Acked     int
	Nacked    int
}

// Queue is a bounded in-memory queue with context-aware operations. Nacked
// messages are re-enqueued.
type Queue struct {
	ch   chan *delivery
	done chan struct{}
	seq  atomic.Uint64

	closeOnce sync.Once
	mu        sync.Mutex
	stats     Stats
}

var _ queue.Provider = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan *delivery, capacity),
		done: make(chan struct{}),
	}
}

// Publish enqueues a copy of body or returns if the context ends.
func (q *Queue) Publish(ctx context.Context, body []byte) error {
	d := &delivery{
		queue:   q,
		id:      strconv.FormatUint(q.seq.Add(1), 10),
		body:    append([]byte(nil), body...),
		headers: queue.InjectTrace(ctx),
	}
	if err := q.push(ctx, d); err != nil {
		return err
	}
	q.mu.Lock()
	q.stats.Published++
	q.mu.Unlock()
	return nil
}

func (q *Queue) push(ctx context.Context, d *delivery) error {
	select {
	case <-q.done:
		return queue.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.ErrClosed
	case q.ch <- d:
		return nil
	}
}

// Receive pops the next message, respecting context cancellation.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return nil, queue.ErrClosed
	case d := <-q.ch:
		return d, nil
	}
}

// Len returns the number of messages waiting to be received.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Stats returns publish and settlement counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops the queue. Pending messages are dropped.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

type delivery struct {
	queue   *Queue
	id      string
	body    []byte
	headers map[string]string
	settled atomic.Bool
}

func (d *delivery) ID() string                      { return d.id }
func (d *delivery) Body() []byte                    { return d.body }
func (d *delivery) TraceHeaders() map[string]string { return d.headers }

func (d *delivery) Ack(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s already settled", d.id)
	}
	d.queue.mu.Lock()
	d.queue.stats.Acked++
	d.queue.mu.Unlock()
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s already settled", d.id)
	}
	d.queue.mu.Lock()
	d.queue.stats.Nacked++
	d.queue.mu.Unlock()
	redelivery := &delivery{queue: d.queue, id: d.id, body: d.body, headers: d.headers}
	if err := d.queue.push(ctx, redelivery); err != nil {
		return fmt.Errorf("requeue message %s: %w", d.id, err)
	}
	return nil
}
