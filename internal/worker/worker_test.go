package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/hash/sha256"
	"github.com/JakeFAU/rss-dispatch/internal/parser"
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

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("status 404: %s", req.URL)
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

type fakeContent struct {
	pages map[string]string
	calls atomic.Int32
}

func (f *fakeContent) FetchContent(_ context.Context, pageURL string) (string, error) {
	f.calls.Add(1)
	page, ok := f.pages[pageURL]
	if !ok {
		return "", errors.New("circuit open")
	}
	return page, nil
}

// countingStore records which insert path the worker chose.
type countingStore struct {
	*storememory.FeedStore
	bulkCalls  atomic.Int32
	entryCalls atomic.Int32
	pushCalls  atomic.Int32
}

func (s *countingStore) BulkInsertEntries(
	ctx context.Context, url string, expect crawler.LeaseCondition, entries []crawler.Entry,
) error {
	s.bulkCalls.Add(1)
	return s.FeedStore.BulkInsertEntries(ctx, url, expect, entries)
}

func (s *countingStore) InsertEntry(ctx context.Context, url string, expect crawler.LeaseCondition, entry crawler.Entry) error {
	s.entryCalls.Add(1)
	return s.FeedStore.InsertEntry(ctx, url, expect, entry)
}

func (s *countingStore) PushFingerprint(ctx context.Context, url string, expect crawler.LeaseCondition, fp string) error {
	s.pushCalls.Add(1)
	return s.FeedStore.PushFingerprint(ctx, url, expect, fp)
}

// failingStore fails selected operations.
type failingStore struct {
	*storememory.FeedStore
	failBulk    bool
	failRelease bool
}

func (s *failingStore) BulkInsertEntries(
	ctx context.Context, url string, expect crawler.LeaseCondition, entries []crawler.Entry,
) error {
	if s.failBulk {
		return errors.New("disk full")
	}
	return s.FeedStore.BulkInsertEntries(ctx, url, expect, entries)
}

func (s *failingStore) ConditionalUpdate(
	ctx context.Context, url string, expect crawler.LeaseCondition, update crawler.FeedUpdate,
) (bool, error) {
	if s.failRelease && update.State == crawler.LeaseStateIdle {
		return false, errors.New("connection reset")
	}
	return s.FeedStore.ConditionalUpdate(ctx, url, expect, update)
}

type harness struct {
	t       *testing.T
	store   *storememory.FeedStore
	queue   *queuememory.Queue
	clock   *fakeClock
	fetcher *fakeFetcher
	leases  int
}

func newHarness(t *testing.T, body string) *harness {
	t.Helper()
	store := storememory.NewFeedStore()
	_, err := store.InsertFeeds(context.Background(), []string{feedURL})
	require.NoError(t, err)
	return &harness{
		t:       t,
		store:   store,
		queue:   queuememory.NewQueue(4),
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		fetcher: &fakeFetcher{bodies: map[string]string{feedURL: body}},
	}
}

func (h *harness) worker(store crawler.FeedStore, content ContentFetcher, archive crawler.BlobStore, cfg Config) *Worker {
	return New(store, h.fetcher, parser.New(), sha256.New(), h.clock, content, archive, cfg, zap.NewNop())
}

// lease moves the feed to Leased the way the lease manager does and returns
// the dispatched snapshot with its delivery.
func (h *harness) lease() (crawler.FeedSource, queue.Delivery) {
	h.t.Helper()
	h.leases++
	now := h.clock.Now()
	ok, err := h.store.ConditionalUpdate(context.Background(), feedURL,
		crawler.LeaseCondition{State: crawler.LeaseStateIdle},
		crawler.FeedUpdate{State: crawler.LeaseStateLeased, LeasedAt: &now, LeaseID: fmt.Sprintf("lease-%d", h.leases)},
	)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return h.dispatch()
}

// dispatch publishes the feed as currently stored and receives it back.
func (h *harness) dispatch() (crawler.FeedSource, queue.Delivery) {
	h.t.Helper()
	ctx := context.Background()
	feed, _ := h.store.Feed(feedURL)
	body, err := crawler.EncodeSnapshot(feed)
	require.NoError(h.t, err)
	require.NoError(h.t, h.queue.Publish(ctx, body))
	d, err := h.queue.Receive(ctx)
	require.NoError(h.t, err)
	snapshot, err := crawler.DecodeSnapshot(d.Body())
	require.NoError(h.t, err)
	return snapshot, d
}

// reclaim hands the feed to a new lease the way the stale sweep does.
func (h *harness) reclaim(from, to string) bool {
	now := h.clock.Now()
	ok, err := h.store.ConditionalUpdate(context.Background(), feedURL,
		crawler.LeaseCondition{State: crawler.LeaseStateLeased, LeaseID: from},
		crawler.FeedUpdate{State: crawler.LeaseStateLeased, LeasedAt: &now, LeaseID: to},
	)
	return err == nil && ok
}

// reclaimingContent reclaims the lease on its nth page fetch, standing in for
// a crawl slow enough to be swept.
type reclaimingContent struct {
	h        *harness
	from, to string
	nth      int32
	calls    atomic.Int32
}

func (c *reclaimingContent) FetchContent(_ context.Context, pageURL string) (string, error) {
	if c.calls.Add(1) == c.nth && !c.h.reclaim(c.from, c.to) {
		return "", errors.New("reclaim failed")
	}
	return "<p>" + pageURL + "</p>", nil
}

// reclaimingPushStore reclaims the lease right after the index push, before
// the worker releases.
type reclaimingPushStore struct {
	*storememory.FeedStore
	h *harness
}

func (s *reclaimingPushStore) PushFingerprints(
	ctx context.Context, url string, expect crawler.LeaseCondition, fps []string,
) error {
	if err := s.FeedStore.PushFingerprints(ctx, url, expect, fps); err != nil {
		return err
	}
	s.h.reclaim(expect.LeaseID, "reclaimed")
	return nil
}

func rssWithItems(items ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Example</title><link>https://example.com/</link>`)
	for _, it := range items {
		b.WriteString(it)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func guidItem(guid string) string {
	return fmt.Sprintf(`<item><title>T %[1]s</title><link>https://example.com/%[1]s</link><guid>%[1]s</guid></item>`, guid)
}

func generatedItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = guidItem(fmt.Sprintf("g-%d", i))
	}
	return items
}

var threeItems = rssWithItems(
	`<item><title>One</title><guid>urn:1</guid></item>`,
	`<item><title>Two</title><link>https://example.com/2</link></item>`,
	`<item><title>Three</title><description>Third body</description></item>`,
)

func TestProcessNewFeedThenUnchangedRedispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	w := h.worker(h.store, nil, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCrawled, res.Outcome)
	assert.Equal(t, 3, res.NewEntries)
	assert.Equal(t, ModeBulk, res.Mode)
	assert.True(t, res.Acked)

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
	assert.Nil(t, stored.LeasedAt)
	assert.Empty(t, stored.LeaseID)
	require.NotNil(t, stored.LastCrawledAt)
	assert.Len(t, stored.EntryIndex, 3)
	require.NotNil(t, stored.Metadata)
	assert.Equal(t, "Example", stored.Metadata.Title)
	assert.Equal(t, 3, h.store.EntryCount())

	entries, err := h.store.ListEntries(context.Background(), feedURL)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "urn:1", entries[0].IdentityRaw)
	assert.Equal(t, "https://example.com/2", entries[1].IdentityRaw)
	assert.Equal(t, "Third bodyThree", entries[2].IdentityRaw)
	for _, e := range entries {
		assert.Equal(t, feedURL, e.FeedURL)
		assert.Len(t, e.Fingerprint, 64)
	}

	// The same document on the next lease adds nothing.
	h.clock.Advance(time.Hour)
	feed, d = h.lease()
	res = w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCrawled, res.Outcome)
	assert.Zero(t, res.NewEntries)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, ModeNone, res.Mode)
	assert.True(t, res.Acked)
	assert.Equal(t, 3, h.store.EntryCount())

	stored, _ = h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
	assert.Len(t, stored.EntryIndex, 3)
	assert.Equal(t, h.clock.Now(), *stored.LastCrawledAt)
	assert.Equal(t, 2, h.queue.Stats().Acked)
}

func TestProcessStagesInBatchDuplicatesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(
		guidItem("same"),
		guidItem("same"),
		`<item></item>`,
	))
	w := h.worker(h.store, nil, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.NewEntries)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, h.store.EntryCount())
}

func TestProcessInsertStrategyBoundary(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		items      int
		mode       InsertMode
		bulkCalls  int32
		entryCalls int32
	}{
		{name: "at threshold", items: 1000, mode: ModeBulk, bulkCalls: 1},
		{name: "above threshold", items: 1001, mode: ModePerEntry, entryCalls: 1001},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, rssWithItems(generatedItems(tc.items)...))
			store := &countingStore{FeedStore: h.store}
			w := h.worker(store, nil, nil, Config{BulkInsertThreshold: 1000})

			feed, d := h.lease()
			res := w.Process(context.Background(), feed, d)
			require.NoError(t, res.Err)
			assert.Equal(t, tc.mode, res.Mode)
			assert.Equal(t, tc.items, res.NewEntries)
			assert.Equal(t, tc.bulkCalls, store.bulkCalls.Load())
			assert.Equal(t, tc.entryCalls, store.entryCalls.Load())
			assert.Equal(t, tc.entryCalls, store.pushCalls.Load())
			assert.Equal(t, tc.items, h.store.EntryCount())

			stored, _ := h.store.Feed(feedURL)
			assert.Len(t, stored.EntryIndex, tc.items)
		})
	}
}

func TestProcessReleaseFailureLeavesMessageUnacked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	store := &failingStore{FeedStore: h.store, failRelease: true}
	w := h.worker(store, nil, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.ErrorContains(t, res.Err, "release lease")
	assert.Equal(t, OutcomeStoreFailed, res.Outcome)
	assert.False(t, res.Acked)
	assert.Equal(t, 0, h.queue.Stats().Acked)
	assert.Equal(t, 1, h.queue.Stats().Nacked)

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateLeased, stored.LeaseState)
	assert.Equal(t, feed.LeaseID, stored.LeaseID)
}

func TestProcessInsertFailureReleasesWithoutStamp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	store := &failingStore{FeedStore: h.store, failBulk: true}
	w := h.worker(store, nil, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.ErrorContains(t, res.Err, "disk full")
	assert.Equal(t, OutcomeStoreFailed, res.Outcome)
	assert.True(t, res.Acked)

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
	assert.Nil(t, stored.LastCrawledAt)
	assert.Empty(t, stored.EntryIndex)
	assert.Zero(t, h.store.EntryCount())
}

func TestProcessTransientFailuresReleaseAndAck(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		body    string
		err     error
		outcome Outcome
	}{
		{name: "fetch", err: errors.New("status 503"), outcome: OutcomeFetchFailed},
		{name: "parse", body: "<html>not a feed</html>", outcome: OutcomeParseFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tc.body)
			h.fetcher.err = tc.err
			w := h.worker(h.store, nil, nil, Config{})

			feed, d := h.lease()
			res := w.Process(context.Background(), feed, d)
			require.Error(t, res.Err)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.True(t, res.Acked)
			assert.Equal(t, 1, h.queue.Stats().Acked)

			stored, _ := h.store.Feed(feedURL)
			assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
			assert.NotNil(t, stored.LastCrawledAt)
			assert.Zero(t, h.store.EntryCount())
		})
	}
}

func TestProcessLostLeaseAcksWithoutWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	w := h.worker(h.store, nil, nil, Config{})
	feed, d := h.lease()

	// The stale sweep re-leases the feed while this worker is slow.
	require.True(t, h.reclaim(feed.LeaseID, "reclaimed"))

	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeLeaseLost, res.Outcome)
	assert.True(t, res.Acked)
	assert.Zero(t, h.store.EntryCount())

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateLeased, stored.LeaseState)
	assert.Equal(t, "reclaimed", stored.LeaseID)
}

func TestProcessFullContentDegradesPerEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(guidItem("a"), guidItem("b")))
	content := &fakeContent{pages: map[string]string{"https://example.com/a": "<p>article a</p>"}}
	w := h.worker(h.store, content, nil, Config{FetchFullContent: true})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.NewEntries)
	assert.Equal(t, int32(2), content.calls.Load())

	entries, err := h.store.ListEntries(context.Background(), feedURL)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "<p>article a</p>", entries[0].FullContent)
	assert.Empty(t, entries[1].FullContent)
}

func TestProcessSkipsContentWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(guidItem("a")))
	content := &fakeContent{pages: map[string]string{"https://example.com/a": "page"}}
	w := h.worker(h.store, content, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Zero(t, content.calls.Load())
}

func TestProcessArchivesRawFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	archive := storememory.NewBlobStore()
	w := h.worker(h.store, nil, archive, Config{ArchivePrefix: "/feeds/"})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)

	hasher := sha256.New()
	feedKey, _ := hasher.Hash([]byte(feedURL))
	bodyKey, _ := hasher.Hash([]byte(threeItems))
	path := fmt.Sprintf("feeds/%s/%s.xml", feedKey, bodyKey)
	stored, ok := archive.Object(path)
	require.True(t, ok, "archived paths: %v", archive.Paths())
	assert.Equal(t, threeItems, string(stored))
}

func TestProcessReleasesAfterCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threeItems)
	h.fetcher.err = context.Canceled
	w := h.worker(h.store, nil, nil, Config{})
	feed, d := h.lease()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := w.Process(ctx, feed, d)
	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.True(t, res.Acked)

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
}

func TestProcessLeaseLostDuringBulkFillWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(guidItem("a")))
	feed, d := h.lease()
	content := &reclaimingContent{h: h, from: feed.LeaseID, to: "lease-swept", nth: 1}
	w := h.worker(h.store, content, nil, Config{FetchFullContent: true})

	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeLeaseLost, res.Outcome)
	assert.Zero(t, res.NewEntries)
	assert.True(t, res.Acked)
	assert.Zero(t, h.store.EntryCount())

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateLeased, stored.LeaseState)
	assert.Equal(t, "lease-swept", stored.LeaseID)
	assert.Empty(t, stored.EntryIndex)

	// The sweep's dispatch now crawls from a snapshot taken after the
	// reclaim and stores the entry exactly once.
	feed, d = h.dispatch()
	res = h.worker(h.store, nil, nil, Config{}).Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCrawled, res.Outcome)
	assert.Equal(t, 1, res.NewEntries)

	entries, err := h.store.ListEntries(context.Background(), feedURL)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].GUID)
	stored, _ = h.store.Feed(feedURL)
	assert.Len(t, stored.EntryIndex, 1)
	assert.Equal(t, crawler.LeaseStateIdle, stored.LeaseState)
}

func TestProcessLeaseLostStopsPerEntryInserts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(generatedItems(5)...))
	feed, d := h.lease()
	store := &countingStore{FeedStore: h.store}
	content := &reclaimingContent{h: h, from: feed.LeaseID, to: "lease-swept", nth: 3}
	w := h.worker(store, content, nil, Config{BulkInsertThreshold: 2, FetchFullContent: true})

	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeLeaseLost, res.Outcome)
	assert.Equal(t, ModePerEntry, res.Mode)
	assert.Equal(t, 2, res.NewEntries)
	assert.True(t, res.Acked)
	assert.Equal(t, int32(3), store.entryCalls.Load())
	assert.Equal(t, int32(2), store.pushCalls.Load())
	assert.Equal(t, 2, h.store.EntryCount())

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, "lease-swept", stored.LeaseID)
	assert.Len(t, stored.EntryIndex, 2)
}

func TestProcessReleaseMissReportsLeaseLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rssWithItems(guidItem("a")))
	store := &reclaimingPushStore{FeedStore: h.store, h: h}
	w := h.worker(store, nil, nil, Config{})

	feed, d := h.lease()
	res := w.Process(context.Background(), feed, d)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeLeaseLost, res.Outcome)
	assert.Equal(t, 1, res.NewEntries)
	assert.True(t, res.Acked)

	stored, _ := h.store.Feed(feedURL)
	assert.Equal(t, crawler.LeaseStateLeased, stored.LeaseState)
	assert.Equal(t, "reclaimed", stored.LeaseID)
	assert.Nil(t, stored.LastCrawledAt)
}
