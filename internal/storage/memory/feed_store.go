// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
)

// FeedStore is a mutex-guarded implementation of crawler.FeedStore and
// crawler.FeedCatalog. The lock makes every conditional update atomic.
type FeedStore struct {
	mu      sync.RWMutex
	order   []string
	feeds   map[string]crawler.FeedSource
	entries []crawler.Entry
}

// NewFeedStore constructs an empty FeedStore.
func NewFeedStore() *FeedStore {
	return &FeedStore{
		feeds: make(map[string]crawler.FeedSource),
	}
}

// FindOneIdle returns the idle feed crawled longest ago, never-crawled first.
func (s *FeedStore) FindOneIdle(_ context.Context) (crawler.FeedSource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  crawler.FeedSource
		found bool
	)
	for _, url := range s.order {
		feed := s.feeds[url]
		if feed.LeaseState != crawler.LeaseStateIdle {
			continue
		}
		if !found || crawledBefore(feed.LastCrawledAt, best.LastCrawledAt) {
			best, found = feed, true
		}
	}
	if !found {
		return crawler.FeedSource{}, false, nil
	}
	return cloneFeed(best), true, nil
}

// FindOneStale returns the leased feed with the oldest lease before threshold.
func (s *FeedStore) FindOneStale(_ context.Context, threshold time.Time) (crawler.FeedSource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  crawler.FeedSource
		found bool
	)
	for _, url := range s.order {
		feed := s.feeds[url]
		if feed.LeaseState != crawler.LeaseStateLeased || feed.LeasedAt == nil {
			continue
		}
		if !feed.LeasedAt.Before(threshold) {
			continue
		}
		if !found || feed.LeasedAt.Before(*best.LeasedAt) {
			best, found = feed, true
		}
	}
	if !found {
		return crawler.FeedSource{}, false, nil
	}
	return cloneFeed(best), true, nil
}

// ConditionalUpdate applies update when the feed still matches expect.
func (s *FeedStore) ConditionalUpdate(
	_ context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	update crawler.FeedUpdate,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[feedURL]
	if !ok || !holds(feed, expect) {
		return false, nil
	}
	s.feeds[feedURL] = applyUpdate(feed, update)
	return true, nil
}

// UpdateFeed applies update unconditionally.
func (s *FeedStore) UpdateFeed(_ context.Context, feedURL string, update crawler.FeedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[feedURL]
	if !ok {
		return crawler.ErrNotFound
	}
	s.feeds[feedURL] = applyUpdate(feed, update)
	return nil
}

// BulkInsertEntries appends entries in one step while feedURL is held under
// expect.
func (s *FeedStore) BulkInsertEntries(
	_ context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	entries []crawler.Entry,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.heldFeed(feedURL, expect); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

// InsertEntry appends one entry while feedURL is held under expect.
func (s *FeedStore) InsertEntry(_ context.Context, feedURL string, expect crawler.LeaseCondition, entry crawler.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.heldFeed(feedURL, expect); err != nil {
		return err
	}
	s.entries = append(s.entries, entry)
	return nil
}

// PushFingerprints extends the feed's entry index while it is held under
// expect.
func (s *FeedStore) PushFingerprints(
	_ context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	fingerprints []string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, err := s.heldFeed(feedURL, expect)
	if err != nil {
		return err
	}
	feed.EntryIndex = append(slices.Clone(feed.EntryIndex), fingerprints...)
	s.feeds[feedURL] = feed
	return nil
}

// PushFingerprint extends the feed's entry index by one.
func (s *FeedStore) PushFingerprint(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	fingerprint string,
) error {
	return s.PushFingerprints(ctx, feedURL, expect, []string{fingerprint})
}

// heldFeed returns the feed when it matches expect. Callers hold s.mu.
func (s *FeedStore) heldFeed(feedURL string, expect crawler.LeaseCondition) (crawler.FeedSource, error) {
	feed, ok := s.feeds[feedURL]
	if !ok {
		return crawler.FeedSource{}, crawler.ErrNotFound
	}
	if !holds(feed, expect) {
		return crawler.FeedSource{}, crawler.ErrLeaseLost
	}
	return feed, nil
}

// InsertFeeds adds idle feeds that are not yet known.
func (s *FeedStore) InsertFeeds(_ context.Context, feedURLs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, url := range feedURLs {
		if _, exists := s.feeds[url]; exists {
			continue
		}
		s.feeds[url] = crawler.FeedSource{
			FeedURL:    url,
			LeaseState: crawler.LeaseStateIdle,
			EntryIndex: []string{},
		}
		s.order = append(s.order, url)
		created++
	}
	return created, nil
}

// PurgeFeeds removes every feed.
func (s *FeedStore) PurgeFeeds(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = make(map[string]crawler.FeedSource)
	s.order = nil
	return nil
}

// ListFeeds returns copies of all feeds in insertion order.
func (s *FeedStore) ListFeeds(_ context.Context) ([]crawler.FeedSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.FeedSource, 0, len(s.order))
	for _, url := range s.order {
		out = append(out, cloneFeed(s.feeds[url]))
	}
	return out, nil
}

// ListEntries returns the entries stored for one feed.
func (s *FeedStore) ListEntries(_ context.Context, feedURL string) ([]crawler.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []crawler.Entry
	for _, entry := range s.entries {
		if entry.FeedURL == feedURL {
			out = append(out, entry)
		}
	}
	return out, nil
}

// CountByLeaseState counts feeds per lease state.
func (s *FeedStore) CountByLeaseState(_ context.Context, staleBefore time.Time) (crawler.LeaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats crawler.LeaseStats
	for _, feed := range s.feeds {
		switch feed.LeaseState {
		case crawler.LeaseStateIdle:
			stats.Idle++
		case crawler.LeaseStateLeased:
			stats.Leased++
			if feed.LeasedAt != nil && feed.LeasedAt.Before(staleBefore) {
				stats.Stale++
			}
		}
	}
	return stats, nil
}

// Feed returns a copy of one feed.
func (s *FeedStore) Feed(feedURL string) (crawler.FeedSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[feedURL]
	if !ok {
		return crawler.FeedSource{}, false
	}
	return cloneFeed(feed), true
}

// EntryCount returns the number of stored entries across all feeds.
func (s *FeedStore) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func holds(feed crawler.FeedSource, expect crawler.LeaseCondition) bool {
	if feed.LeaseState != expect.State {
		return false
	}
	return expect.LeaseID == "" || feed.LeaseID == expect.LeaseID
}

func applyUpdate(feed crawler.FeedSource, update crawler.FeedUpdate) crawler.FeedSource {
	feed.LeaseState = update.State
	feed.LeasedAt = copyTime(update.LeasedAt)
	feed.LeaseID = update.LeaseID
	if update.LastCrawledAt != nil {
		feed.LastCrawledAt = copyTime(update.LastCrawledAt)
	}
	if update.Metadata != nil {
		md := *update.Metadata
		feed.Metadata = &md
	}
	return feed
}

func cloneFeed(feed crawler.FeedSource) crawler.FeedSource {
	feed.EntryIndex = slices.Clone(feed.EntryIndex)
	if feed.EntryIndex == nil {
		feed.EntryIndex = []string{}
	}
	feed.LeasedAt = copyTime(feed.LeasedAt)
	feed.LastCrawledAt = copyTime(feed.LastCrawledAt)
	return feed
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func crawledBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return a.Before(*b)
	}
}
