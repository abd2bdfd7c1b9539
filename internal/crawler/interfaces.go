package crawler

import (
	"context"
	"time"
)

// FeedStore persists feeds and entries. Every lease transition goes through
// ConditionalUpdate, which must be an atomic single-record compare-and-set.
// Entry and index writes are guarded by the same condition and fail with
// ErrLeaseLost once the feed is held by someone else.
type FeedStore interface {
	FindOneIdle(ctx context.Context) (FeedSource, bool, error)
	FindOneStale(ctx context.Context, threshold time.Time) (FeedSource, bool, error)
	ConditionalUpdate(ctx context.Context, feedURL string, expect LeaseCondition, update FeedUpdate) (bool, error)
	BulkInsertEntries(ctx context.Context, feedURL string, expect LeaseCondition, entries []Entry) error
	InsertEntry(ctx context.Context, feedURL string, expect LeaseCondition, entry Entry) error
	PushFingerprints(ctx context.Context, feedURL string, expect LeaseCondition, fingerprints []string) error
	PushFingerprint(ctx context.Context, feedURL string, expect LeaseCondition, fingerprint string) error
	UpdateFeed(ctx context.Context, feedURL string, update FeedUpdate) error
}

// FeedCatalog covers the administrative operations used by seeding, the
// auditor, and the stats endpoint.
type FeedCatalog interface {
	InsertFeeds(ctx context.Context, feedURLs []string) (int, error)
	PurgeFeeds(ctx context.Context) error
	ListFeeds(ctx context.Context) ([]FeedSource, error)
	ListEntries(ctx context.Context, feedURL string) ([]Entry, error)
	CountByLeaseState(ctx context.Context, staleBefore time.Time) (LeaseStats, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser turns a raw feed body into structured fields.
type Parser interface {
	Parse(body []byte) (ParsedFeed, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lease tokens (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
