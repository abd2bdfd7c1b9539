package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/rss-dispatch/internal/queue"
	"github.com/JakeFAU/rss-dispatch/internal/telemetry"
)

func newTestStream(t *testing.T) (*Stream, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := New(context.Background(), client, Config{
		Stream:       "RSSFEEDSQUEUE",
		Group:        "crawlers",
		Consumer:     "worker-1",
		BlockTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewIsIdempotentForExistingGroup(t *testing.T) {
	t.Parallel()

	s, mr := newTestStream(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	again, err := New(context.Background(), client, s.cfg)
	require.NoError(t, err)
	assert.NotNil(t, again)

	_, err = New(context.Background(), client, Config{Stream: "s"})
	require.Error(t, err)
}

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()

	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []byte(`{"feedUrl":"https://example.com/rss"}`)))

	d, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID())
	assert.JSONEq(t, `{"feedUrl":"https://example.com/rss"}`, string(d.Body()))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, d.Ack(ctx))

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestNackLeavesMessagePending(t *testing.T) {
	t.Parallel()

	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []byte("a")))
	require.NoError(t, s.Publish(ctx, []byte("b")))

	first, err := s.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Nack(ctx))

	second, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(second.Body()))
	require.NoError(t, second.Ack(ctx))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	s, _ := newTestStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReceiveAfterClose(t *testing.T) {
	t.Parallel()

	s, _ := newTestStream(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Receive(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestPublishCarriesTraceContext(t *testing.T) {
	tp, err := telemetry.InitTracerProvider(context.Background(), "redisstream-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s, _ := newTestStream(t)
	pubCtx, span := otel.Tracer("test").Start(context.Background(), "dispatch")
	require.NoError(t, s.Publish(pubCtx, []byte("payload")))
	span.End()

	d, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(d.Body()))
	assert.NotContains(t, d.(queue.TraceCarrier).TraceHeaders(), payloadField)

	ctx := queue.ExtractTrace(context.Background(), d)
	assert.Equal(t, telemetry.TraceID(pubCtx), telemetry.TraceID(ctx))
}

func TestReapClearsAbandonedEntries(t *testing.T) {
	t.Parallel()

	s, mr := newTestStream(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	dead, err := New(ctx, client, Config{
		Stream:       s.cfg.Stream,
		Group:        s.cfg.Group,
		Consumer:     "worker-dead",
		BlockTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer dead.Close()

	require.NoError(t, s.Publish(ctx, []byte("abandoned")))
	_, err = dead.Receive(ctx)
	require.NoError(t, err)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	reaped, err := s.Reap(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	length, err := client.XLen(ctx, s.cfg.Stream).Result()
	require.NoError(t, err)
	assert.Zero(t, length)

	consumers, err := client.XInfoConsumers(ctx, s.cfg.Stream, s.cfg.Group).Result()
	require.NoError(t, err)
	for _, c := range consumers {
		assert.NotEqual(t, "worker-dead", c.Name)
	}

	again, err := s.Reap(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReapKeepsRecentlyDeliveredEntries(t *testing.T) {
	t.Parallel()

	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []byte("in-flight")))
	_, err := s.Receive(ctx)
	require.NoError(t, err)

	reaped, err := s.Reap(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
