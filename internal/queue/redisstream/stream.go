// Package redisstream implements the dispatch queue on Redis Streams with a
// consumer group, so each message is delivered to exactly one consumer and
// stays pending until it is acknowledged.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/rss-dispatch/internal/queue"
)

const (
	payloadField        = "snapshot"
	defaultBlockTimeout = 2 * time.Second
	reapBatch           = 100
)

// Config controls stream, group, and consumer naming.
type Config struct {
	Stream       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	MaxLen       int64
}

// Stream implements queue.Provider with XADD / XREADGROUP / XACK.
type Stream struct {
	client *redis.Client
	cfg    Config
	closed chan struct{}
}

var _ queue.Provider = (*Stream)(nil)

// Dial parses a redis:// URL, verifies connectivity, and returns a Stream.
func Dial(ctx context.Context, url string, cfg Config) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s, err := New(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client and makes sure the consumer group exists.
func New(ctx context.Context, client *redis.Client, cfg Config) (*Stream, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream, group, and consumer are required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Stream{client: client, cfg: cfg, closed: make(chan struct{})}, nil
}

// Publish appends body to the stream. Trace propagation headers are stored
// as sibling fields of the payload.
func (s *Stream) Publish(ctx context.Context, body []byte) error {
	values := map[string]any{payloadField: string(body)}
	for k, v := range queue.InjectTrace(ctx) {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: values,
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Receive blocks in BlockTimeout slices until a new message is delivered to
// this consumer.
func (s *Stream) Receive(ctx context.Context) (queue.Delivery, error) {
	for {
		select {
		case <-s.closed:
			return nil, queue.ErrClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    1,
			Block:    s.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, queue.ErrClosed
			}
			return nil, fmt.Errorf("xreadgroup: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				return s.newDelivery(msg), nil
			}
		}
	}
}

// Pending returns the number of delivered but unacknowledged messages.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	info, err := s.client.XPending(ctx, s.cfg.Stream, s.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return info.Count, nil
}

// Reap clears work abandoned by consumers that stopped without settling it.
// Entries pending longer than minIdle are claimed by this consumer and
// deleted; the feeds they named are re-dispatched by the stale lease sweep.
// Consumers left with nothing pending and idle for at least minIdle are
// removed from the group. It returns the number of entries deleted.
func (s *Stream) Reap(ctx context.Context, minIdle time.Duration) (int, error) {
	reaped := 0
	start := "0-0"
	for {
		ids, next, err := s.client.XAutoClaimJustID(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    reapBatch,
		}).Result()
		if err != nil {
			return reaped, fmt.Errorf("xautoclaim: %w", err)
		}
		if len(ids) > 0 {
			if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, ids...).Err(); err != nil {
				return reaped, fmt.Errorf("xack reaped: %w", err)
			}
			if err := s.client.XDel(ctx, s.cfg.Stream, ids...).Err(); err != nil {
				return reaped, fmt.Errorf("xdel reaped: %w", err)
			}
			reaped += len(ids)
		}
		if next == "0-0" || next == "" || len(ids) == 0 {
			break
		}
		start = next
	}

	consumers, err := s.client.XInfoConsumers(ctx, s.cfg.Stream, s.cfg.Group).Result()
	if err != nil {
		return reaped, fmt.Errorf("xinfo consumers: %w", err)
	}
	for _, c := range consumers {
		if c.Name == s.cfg.Consumer || c.Pending > 0 || c.Idle < minIdle {
			continue
		}
		if err := s.client.XGroupDelConsumer(ctx, s.cfg.Stream, s.cfg.Group, c.Name).Err(); err != nil {
			return reaped, fmt.Errorf("delete consumer %s: %w", c.Name, err)
		}
	}
	return reaped, nil
}

// Close closes the client connection.
func (s *Stream) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Stream) newDelivery(msg redis.XMessage) *delivery {
	d := &delivery{stream: s, id: msg.ID, headers: make(map[string]string)}
	for k, v := range msg.Values {
		var raw []byte
		switch v := v.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			continue
		}
		if k == payloadField {
			d.body = raw
			continue
		}
		d.headers[k] = string(raw)
	}
	return d
}

type delivery struct {
	stream  *Stream
	id      string
	body    []byte
	headers map[string]string
}

func (d *delivery) ID() string                      { return d.id }
func (d *delivery) Body() []byte                    { return d.body }
func (d *delivery) TraceHeaders() map[string]string { return d.headers }

// Ack acknowledges and deletes the entry so the stream does not grow unbounded.
func (d *delivery) Ack(ctx context.Context) error {
	s := d.stream
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, d.id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.id, err)
	}
	if err := s.client.XDel(ctx, s.cfg.Stream, d.id).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", d.id, err)
	}
	return nil
}

// Nack leaves the entry in the group's pending list. The stale lease sweep
// re-dispatches the feed, so nothing is redelivered from here; Reap deletes
// the entry once it has been idle long enough.
func (d *delivery) Nack(context.Context) error {
	return nil
}
