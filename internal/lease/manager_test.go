package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/queue"
	queuememory "github.com/JakeFAU/rss-dispatch/internal/queue/memory"
	storememory "github.com/JakeFAU/rss-dispatch/internal/storage/memory"
)

const feedURL = "https://example.com/rss.xml"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("lease-%d", s.n.Add(1)), nil
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func seededStore(t *testing.T, urls ...string) *storememory.FeedStore {
	t.Helper()
	store := storememory.NewFeedStore()
	_, err := store.InsertFeeds(context.Background(), urls)
	require.NoError(t, err)
	return store
}

func receiveSnapshot(t *testing.T, q *queuememory.Queue) crawler.FeedSource {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	feed, err := crawler.DecodeSnapshot(d.Body())
	require.NoError(t, err)
	return feed
}

func TestSweepDispatchesIdleFeed(t *testing.T) {
	t.Parallel()

	store := seededStore(t, feedURL)
	q := queuememory.NewQueue(4)
	clock := newClock()
	m := New(store, q, clock, &seqIDs{}, Config{StaleInterval: 2 * time.Hour}, zap.NewNop())

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{IdleDispatched: 1}, res)

	feed, ok := store.Feed(feedURL)
	require.True(t, ok)
	assert.Equal(t, crawler.LeaseStateLeased, feed.LeaseState)
	assert.Equal(t, "lease-1", feed.LeaseID)
	assert.Equal(t, clock.Now(), *feed.LeasedAt)

	snapshot := receiveSnapshot(t, q)
	assert.Equal(t, feedURL, snapshot.FeedURL)
	assert.Equal(t, crawler.LeaseStateLeased, snapshot.LeaseState)
	assert.Equal(t, "lease-1", snapshot.LeaseID)

	// Nothing left to do: the feed is leased and not yet stale.
	res, err = m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched())
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentSweepsLeaseFeedOnce(t *testing.T) {
	t.Parallel()

	store := seededStore(t, feedURL)
	q := queuememory.NewQueue(16)
	clock := newClock()
	ids := &seqIDs{}

	const managers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := New(store, q, clock, ids, Config{StaleInterval: time.Hour}, zap.NewNop())
			<-start
			_, err := m.Sweep(context.Background())
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, q.Stats().Published)
}

func TestStaleSweepRecoversOldLeaseOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seededStore(t, "https://old.example/rss", "https://recent.example/rss")
	clock := newClock()
	oldLease := clock.Now().Add(-3 * time.Hour)
	recentLease := clock.Now().Add(-10 * time.Minute)
	require.NoError(t, store.UpdateFeed(ctx, "https://old.example/rss", crawler.FeedUpdate{
		State: crawler.LeaseStateLeased, LeasedAt: &oldLease, LeaseID: "crashed-worker",
	}))
	require.NoError(t, store.UpdateFeed(ctx, "https://recent.example/rss", crawler.FeedUpdate{
		State: crawler.LeaseStateLeased, LeasedAt: &recentLease, LeaseID: "busy-worker",
	}))

	q := queuememory.NewQueue(4)
	m := New(store, q, clock, &seqIDs{}, Config{StaleInterval: 2 * time.Hour}, zap.NewNop())

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{StaleDispatched: 1}, res)

	snapshot := receiveSnapshot(t, q)
	assert.Equal(t, "https://old.example/rss", snapshot.FeedURL)
	assert.Equal(t, "lease-1", snapshot.LeaseID)

	old, _ := store.Feed("https://old.example/rss")
	assert.Equal(t, crawler.LeaseStateLeased, old.LeaseState)
	assert.Equal(t, clock.Now(), *old.LeasedAt)
	assert.Equal(t, "lease-1", old.LeaseID)

	recent, _ := store.Feed("https://recent.example/rss")
	assert.Equal(t, "busy-worker", recent.LeaseID)
	assert.Equal(t, recentLease, *recent.LeasedAt)

	res, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched())
}

func TestPublishFailureLeavesFeedLeasedForStaleSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seededStore(t, feedURL)
	clock := newClock()

	failing := &queue.MockProvider{}
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	m := New(store, failing, clock, &seqIDs{}, Config{StaleInterval: time.Hour}, zap.NewNop())

	res, err := m.Sweep(ctx)
	require.ErrorContains(t, err, "broker down")
	assert.Zero(t, res.Dispatched())

	feed, _ := store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateLeased, feed.LeaseState)
	failing.AssertExpectations(t)

	clock.Advance(2 * time.Hour)
	q := queuememory.NewQueue(1)
	recovered := New(store, q, clock, &seqIDs{}, Config{StaleInterval: time.Hour}, zap.NewNop())
	res, err = recovered.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleDispatched)
	assert.Equal(t, feedURL, receiveSnapshot(t, q).FeedURL)
}

type racingStore struct {
	*storememory.FeedStore
}

func (racingStore) ConditionalUpdate(
	context.Context, string, crawler.LeaseCondition, crawler.FeedUpdate,
) (bool, error) {
	return false, nil
}

func TestLostRaceIsNoOp(t *testing.T) {
	t.Parallel()

	store := racingStore{FeedStore: seededStore(t, feedURL)}
	pub := &queue.MockProvider{}
	m := New(store, pub, newClock(), &seqIDs{}, Config{}, zap.NewNop())

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Races: 1}, res)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

type brokenStore struct {
	*storememory.FeedStore
}

func (brokenStore) FindOneIdle(context.Context) (crawler.FeedSource, bool, error) {
	return crawler.FeedSource{}, false, errors.New("store unavailable")
}

func TestSweepReportsStoreErrorsAndContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := seededStore(t)
	clock := newClock()
	old := clock.Now().Add(-5 * time.Hour)
	_, err := inner.InsertFeeds(ctx, []string{feedURL})
	require.NoError(t, err)
	require.NoError(t, inner.UpdateFeed(ctx, feedURL, crawler.FeedUpdate{
		State: crawler.LeaseStateLeased, LeasedAt: &old, LeaseID: "x",
	}))

	q := queuememory.NewQueue(1)
	m := New(brokenStore{FeedStore: inner}, q, clock, &seqIDs{}, Config{StaleInterval: time.Hour}, zap.NewNop())

	res, err := m.Sweep(ctx)
	require.ErrorContains(t, err, "idle check")
	assert.Equal(t, 1, res.StaleDispatched)
}

func TestRunDispatchesUntilCanceled(t *testing.T) {
	t.Parallel()

	store := seededStore(t, "https://a.example/rss", "https://b.example/rss", "https://c.example/rss")
	q := queuememory.NewQueue(8)
	m := New(store, q, newClock(), &seqIDs{}, Config{
		StaleInterval: time.Hour,
		CheckInterval: 10 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return q.Stats().Published == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 3, q.Stats().Published)
}
