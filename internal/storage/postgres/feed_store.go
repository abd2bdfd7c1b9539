// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultFeedsTable   = "feeds"
	defaultEntriesTable = "entries"
)

var entryColumns = []string{
	"fingerprint",
	"identity_raw",
	"feed_url",
	"guid",
	"title",
	"link",
	"description",
	"authors",
	"categories",
	"enclosures",
	"published_at",
	"full_content",
	"discovered_at",
}

// FeedStoreConfig controls the Postgres connection pool used for feeds and entries.
type FeedStoreConfig struct {
	DSN             string
	FeedsTable      string
	EntriesTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// FeedStore implements crawler.FeedStore and crawler.FeedCatalog on Postgres.
// Lease transitions are single-row UPDATE statements guarded by the expected
// lease state and token, so Postgres row locking provides the compare-and-set.
type FeedStore struct {
	pool    pgxPool
	feeds   string
	entries string
}

// NewFeedStore connects to Postgres and verifies the connection.
func NewFeedStore(ctx context.Context, cfg FeedStoreConfig) (*FeedStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	feeds, entries, err := tableNames(cfg.FeedsTable, cfg.EntriesTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &FeedStore{pool: pool, feeds: feeds, entries: entries}, nil
}

// NewFeedStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFeedStoreWithPool(pool pgxPool, feedsTable, entriesTable string) (*FeedStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	feeds, entries, err := tableNames(feedsTable, entriesTable)
	if err != nil {
		return nil, err
	}
	return &FeedStore{pool: pool, feeds: feeds, entries: entries}, nil
}

func tableNames(feeds, entries string) (string, string, error) {
	if feeds == "" {
		feeds = defaultFeedsTable
	}
	if entries == "" {
		entries = defaultEntriesTable
	}
	for _, name := range []string{feeds, entries} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return feeds, entries, nil
}

// Close releases the underlying pool resources.
func (s *FeedStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *FeedStore) feedColumns() string {
	return "feed_url, lease_state, leased_at, lease_id, last_crawled_at, entry_index, metadata"
}

// FindOneIdle returns the idle feed that was crawled longest ago.
func (s *FeedStore) FindOneIdle(ctx context.Context) (crawler.FeedSource, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE lease_state = $1
ORDER BY last_crawled_at ASC NULLS FIRST
LIMIT 1`, s.feedColumns(), s.feeds)
	feed, err := scanFeed(s.pool.QueryRow(ctx, query, string(crawler.LeaseStateIdle)))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FeedSource{}, false, nil
	}
	if err != nil {
		return crawler.FeedSource{}, false, fmt.Errorf("find idle feed: %w", err)
	}
	return feed, true, nil
}

// FindOneStale returns a leased feed whose lease is older than threshold.
func (s *FeedStore) FindOneStale(ctx context.Context, threshold time.Time) (crawler.FeedSource, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE lease_state = $1 AND leased_at < $2
ORDER BY leased_at ASC
LIMIT 1`, s.feedColumns(), s.feeds)
	feed, err := scanFeed(s.pool.QueryRow(ctx, query, string(crawler.LeaseStateLeased), threshold))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FeedSource{}, false, nil
	}
	if err != nil {
		return crawler.FeedSource{}, false, fmt.Errorf("find stale feed: %w", err)
	}
	return feed, true, nil
}

// ConditionalUpdate writes update only when the row still matches expect.
// It reports false, without error, when another writer got there first.
func (s *FeedStore) ConditionalUpdate(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	update crawler.FeedUpdate,
) (bool, error) {
	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET
	lease_state = $1,
	leased_at = $2,
	lease_id = $3,
	last_crawled_at = COALESCE($4, last_crawled_at),
	metadata = COALESCE($5::jsonb, metadata)
WHERE feed_url = $6 AND lease_state = $7 AND ($8::text = '' OR lease_id = $8)`, s.feeds)
	tag, err := s.pool.Exec(ctx, query,
		string(update.State),
		update.LeasedAt,
		update.LeaseID,
		update.LastCrawledAt,
		metadata,
		feedURL,
		string(expect.State),
		expect.LeaseID,
	)
	if err != nil {
		return false, fmt.Errorf("conditional update feed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateFeed writes update regardless of the current lease state.
func (s *FeedStore) UpdateFeed(ctx context.Context, feedURL string, update crawler.FeedUpdate) error {
	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
	lease_state = $1,
	leased_at = $2,
	lease_id = $3,
	last_crawled_at = COALESCE($4, last_crawled_at),
	metadata = COALESCE($5::jsonb, metadata)
WHERE feed_url = $6`, s.feeds)
	tag, err := s.pool.Exec(ctx, query,
		string(update.State),
		update.LeasedAt,
		update.LeaseID,
		update.LastCrawledAt,
		metadata,
		feedURL,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// BulkInsertEntries writes all entries with a single COPY. The feed row is
// share-locked under expect first, so a stale sweep cannot take the lease
// while the copy runs.
func (s *FeedStore) BulkInsertEntries(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	entries []crawler.Entry,
) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, entry := range entries {
		row, err := entryArgs(entry)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bulk insert: %w", err)
	}
	if err := s.copyEntries(ctx, tx, feedURL, expect, rows); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback bulk insert: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

func (s *FeedStore) copyEntries(
	ctx context.Context,
	tx pgx.Tx,
	feedURL string,
	expect crawler.LeaseCondition,
	rows [][]any,
) error {
	lock := fmt.Sprintf(`SELECT 1 FROM %s
WHERE feed_url = $1 AND lease_state = $2 AND ($3::text = '' OR lease_id = $3)
FOR SHARE`, s.feeds)
	var one int
	err := tx.QueryRow(ctx, lock, feedURL, string(expect.State), expect.LeaseID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("lock feed: %w", err)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{s.entries}, entryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy entries: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy entries: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// InsertEntry writes one entry. The insert selects nothing once the feed is
// no longer held under expect.
func (s *FeedStore) InsertEntry(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	entry crawler.Entry,
) error {
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (
	fingerprint,
	identity_raw,
	feed_url,
	guid,
	title,
	link,
	description,
	authors,
	categories,
	enclosures,
	published_at,
	full_content,
	discovered_at
)
SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
WHERE EXISTS (
	SELECT 1 FROM %s
	WHERE feed_url = $14 AND lease_state = $15 AND ($16::text = '' OR lease_id = $16)
)`, s.entries, s.feeds)
	args = append(args, feedURL, string(expect.State), expect.LeaseID)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// PushFingerprints appends fingerprints to the feed's entry index while the
// feed is held under expect.
func (s *FeedStore) PushFingerprints(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	fingerprints []string,
) error {
	if len(fingerprints) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET entry_index = entry_index || $1::text[]
WHERE feed_url = $2 AND lease_state = $3 AND ($4::text = '' OR lease_id = $4)`, s.feeds)
	tag, err := s.pool.Exec(ctx, query, fingerprints, feedURL, string(expect.State), expect.LeaseID)
	if err != nil {
		return fmt.Errorf("push fingerprints: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// PushFingerprint appends one fingerprint to the feed's entry index while the
// feed is held under expect.
func (s *FeedStore) PushFingerprint(
	ctx context.Context,
	feedURL string,
	expect crawler.LeaseCondition,
	fingerprint string,
) error {
	query := fmt.Sprintf(`UPDATE %s SET entry_index = array_append(entry_index, $1)
WHERE feed_url = $2 AND lease_state = $3 AND ($4::text = '' OR lease_id = $4)`, s.feeds)
	tag, err := s.pool.Exec(ctx, query, fingerprint, feedURL, string(expect.State), expect.LeaseID)
	if err != nil {
		return fmt.Errorf("push fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// InsertFeeds seeds idle feeds, leaving existing rows untouched. It returns the
// number of rows created.
func (s *FeedStore) InsertFeeds(ctx context.Context, feedURLs []string) (int, error) {
	query := fmt.Sprintf(`INSERT INTO %s (feed_url, lease_state)
VALUES ($1, $2)
ON CONFLICT (feed_url) DO NOTHING`, s.feeds)
	created := 0
	for _, feedURL := range feedURLs {
		tag, err := s.pool.Exec(ctx, query, feedURL, string(crawler.LeaseStateIdle))
		if err != nil {
			return created, fmt.Errorf("insert feed %s: %w", feedURL, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// PurgeFeeds deletes every feed row.
func (s *FeedStore) PurgeFeeds(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.feeds)); err != nil {
		return fmt.Errorf("purge feeds: %w", err)
	}
	return nil
}

// ListFeeds returns every feed ordered by URL.
func (s *FeedStore) ListFeeds(ctx context.Context) ([]crawler.FeedSource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY feed_url`, s.feedColumns(), s.feeds)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []crawler.FeedSource
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}

// ListEntries returns the entries of one feed in insertion order.
func (s *FeedStore) ListEntries(ctx context.Context, feedURL string) ([]crawler.Entry, error) {
	query := fmt.Sprintf(`SELECT
	fingerprint,
	identity_raw,
	feed_url,
	guid,
	title,
	link,
	description,
	authors,
	categories,
	enclosures,
	published_at,
	full_content,
	discovered_at
FROM %s WHERE feed_url = $1 ORDER BY id`, s.entries)
	rows, err := s.pool.Query(ctx, query, feedURL)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []crawler.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// CountByLeaseState counts idle, leased, and stale feeds.
func (s *FeedStore) CountByLeaseState(ctx context.Context, staleBefore time.Time) (crawler.LeaseStats, error) {
	query := fmt.Sprintf(`SELECT
	count(*) FILTER (WHERE lease_state = $1),
	count(*) FILTER (WHERE lease_state = $2),
	count(*) FILTER (WHERE lease_state = $2 AND leased_at < $3)
FROM %s`, s.feeds)
	var stats crawler.LeaseStats
	err := s.pool.QueryRow(ctx, query,
		string(crawler.LeaseStateIdle),
		string(crawler.LeaseStateLeased),
		staleBefore,
	).Scan(&stats.Idle, &stats.Leased, &stats.Stale)
	if err != nil {
		return crawler.LeaseStats{}, fmt.Errorf("count feeds: %w", err)
	}
	return stats, nil
}

func scanFeed(row pgx.Row) (crawler.FeedSource, error) {
	var (
		feed          crawler.FeedSource
		state         string
		leasedAt      *time.Time
		lastCrawledAt *time.Time
		entryIndex    []string
		metadata      []byte
	)
	if err := row.Scan(
		&feed.FeedURL,
		&state,
		&leasedAt,
		&feed.LeaseID,
		&lastCrawledAt,
		&entryIndex,
		&metadata,
	); err != nil {
		return crawler.FeedSource{}, err
	}
	feed.LeaseState = crawler.LeaseState(state)
	feed.LeasedAt = leasedAt
	feed.LastCrawledAt = lastCrawledAt
	feed.EntryIndex = entryIndex
	if feed.EntryIndex == nil {
		feed.EntryIndex = []string{}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		var md crawler.FeedMetadata
		if err := json.Unmarshal(metadata, &md); err != nil {
			return crawler.FeedSource{}, fmt.Errorf("decode metadata: %w", err)
		}
		feed.Metadata = &md
	}
	return feed, nil
}

func scanEntry(row pgx.Row) (crawler.Entry, error) {
	var (
		entry      crawler.Entry
		authors    []byte
		categories []byte
		enclosures []byte
	)
	if err := row.Scan(
		&entry.Fingerprint,
		&entry.IdentityRaw,
		&entry.FeedURL,
		&entry.GUID,
		&entry.Title,
		&entry.Link,
		&entry.Description,
		&authors,
		&categories,
		&enclosures,
		&entry.PublishedAt,
		&entry.FullContent,
		&entry.DiscoveredAt,
	); err != nil {
		return crawler.Entry{}, err
	}
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{authors, &entry.Authors},
		{categories, &entry.Categories},
		{enclosures, &entry.Enclosures},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return crawler.Entry{}, fmt.Errorf("decode entry payload: %w", err)
		}
	}
	return entry, nil
}

func entryArgs(entry crawler.Entry) ([]any, error) {
	authors, err := json.Marshal(entry.Authors)
	if err != nil {
		return nil, fmt.Errorf("marshal authors: %w", err)
	}
	categories, err := json.Marshal(entry.Categories)
	if err != nil {
		return nil, fmt.Errorf("marshal categories: %w", err)
	}
	enclosures, err := json.Marshal(entry.Enclosures)
	if err != nil {
		return nil, fmt.Errorf("marshal enclosures: %w", err)
	}
	return []any{
		entry.Fingerprint,
		entry.IdentityRaw,
		entry.FeedURL,
		entry.GUID,
		entry.Title,
		entry.Link,
		entry.Description,
		authors,
		categories,
		enclosures,
		entry.PublishedAt,
		entry.FullContent,
		entry.DiscoveredAt,
	}, nil
}

func marshalMetadata(md *crawler.FeedMetadata) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
