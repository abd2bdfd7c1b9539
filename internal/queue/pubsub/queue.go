// Package pubsub implements the dispatch queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	"github.com/JakeFAU/rss-dispatch/internal/queue"
)

// Config names the topic and subscription used for dispatch.
type Config struct {
	ProjectID      string
	Topic          string
	Subscription   string
	MaxOutstanding int
}

// Queue publishes to a topic and receives from a subscription. Flow control
// is bounded by MaxOutstanding so the broker never hands out more messages
// than the worker pool can hold.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber

	deliveries chan *delivery
	errs       chan error
	startOnce  sync.Once
	recvCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

var _ queue.Provider = (*Queue)(nil)

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Dial creates a client using Application Default Credentials and checks that
// the topic exists.
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(cfg.ProjectID, cfg.Topic),
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.Topic, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE && topic.State != pubsubpb.Topic_STATE_UNSPECIFIED {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q is not active", cfg.Topic)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *pubsub.Client, cfg Config) *Queue {
	subscriber := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	recvCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		client:     client,
		publisher:  client.Publisher(cfg.Topic),
		subscriber: subscriber,
		deliveries: make(chan *delivery),
		errs:       make(chan error, 1),
		recvCtx:    recvCtx,
		cancel:     cancel,
	}
}

// Publish sends body to the topic and waits for the server to accept it.
func (q *Queue) Publish(ctx context.Context, body []byte) error {
	msg := &pubsub.Message{Data: body, Attributes: queue.InjectTrace(ctx)}

	if _, err := q.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive hands out the next message pulled by the streaming subscriber.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case err := <-q.errs:
		return nil, err
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, queue.ErrClosed
		}
		return d, nil
	}
}

func (q *Queue) startReceiving() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(q.deliveries)
		err := q.subscriber.Receive(q.recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case q.deliveries <- &delivery{msg: msg}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && q.recvCtx.Err() == nil {
			q.errs <- fmt.Errorf("pubsub receive: %w", err)
		}
	}()
}

// Close stops receiving, flushes the publisher, and closes the client.
func (q *Queue) Close() error {
	q.cancel()
	q.startOnce.Do(func() { close(q.deliveries) })
	q.wg.Wait()
	q.publisher.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

type delivery struct {
	msg *pubsub.Message
}

func (d *delivery) ID() string   { return d.msg.ID }
func (d *delivery) Body() []byte { return d.msg.Data }

// TraceHeaders returns the message attributes, which hold the publisher's
// trace context.
func (d *delivery) TraceHeaders() map[string]string { return d.msg.Attributes }

func (d *delivery) Ack(ctx context.Context) error {
	if _, err := d.msg.AckWithResult().Get(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	if _, err := d.msg.NackWithResult().Get(ctx); err != nil {
		return fmt.Errorf("nack %s: %w", d.msg.ID, err)
	}
	return nil
}
