// Package queue defines the interfaces for the dispatch queue.
// This abstraction keeps the lease manager and worker pool independent of a
// specific message broker (Redis Streams, GCP Pub/Sub, in-memory).
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Receive after Close.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. Its lifetime is the crawl task that owns
// it: the task must settle it exactly once with Ack or Nack.
type Delivery interface {
	// ID returns the broker-assigned message identifier.
	ID() string
	// Body returns the raw message payload.
	Body() []byte
	// Ack removes the message from the queue permanently.
	Ack(ctx context.Context) error
	// Nack returns the message to the broker for redelivery or leaves it
	// pending, depending on the backend.
	Nack(ctx context.Context) error
}

// Provider is a point-to-point queue with per-message acknowledgement.
type Provider interface {
	// Publish sends one message body to the configured subject.
	Publish(ctx context.Context, body []byte) error

	// Receive blocks until a message is available, the context ends, or the
	// queue is closed.
	Receive(ctx context.Context) (Delivery, error)

	// Close cleans up any client connections and resources.
	Close() error
}
