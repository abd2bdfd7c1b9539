// Package worker implements the crawl of a single leased feed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/metrics"
	"github.com/JakeFAU/rss-dispatch/internal/queue"
	"github.com/JakeFAU/rss-dispatch/internal/telemetry"
)

// DefaultBulkInsertThreshold is the largest batch of new entries written with
// one bulk insert.
const DefaultBulkInsertThreshold = 1000

const defaultCleanupTimeout = 10 * time.Second

// Outcome classifies how a crawl ended.
type Outcome string

// Crawl outcomes reported in Result.
const (
	OutcomeCrawled     Outcome = "crawled"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeParseFailed Outcome = "parse_failed"
	OutcomeLeaseLost   Outcome = "lease_lost"
	OutcomeStoreFailed Outcome = "store_failed"
	OutcomePanicked    Outcome = "panicked"
)

// InsertMode is the write strategy chosen for new entries.
type InsertMode string

// Insert modes.
const (
	ModeNone     InsertMode = ""
	ModeBulk     InsertMode = "bulk"
	ModePerEntry InsertMode = "per_entry"
)

// Config controls Worker behavior.
type Config struct {
	// BulkInsertThreshold is the inclusive upper bound for bulk inserts.
	BulkInsertThreshold int
	// FetchFullContent enables the article page fetch for new entries.
	FetchFullContent bool
	// ArchivePrefix is the object prefix for raw feed bodies.
	ArchivePrefix string
	// CleanupTimeout bounds the release and acknowledgement after the
	// crawl context ends.
	CleanupTimeout time.Duration
}

// Result summarizes one crawl task.
type Result struct {
	FeedURL    string
	LeaseID    string
	Outcome    Outcome
	NewEntries int
	Skipped    int
	Mode       InsertMode
	Acked      bool
	Duration   time.Duration
	Err        error
}

// Worker crawls one leased feed at a time. It is safe for concurrent use.
type Worker struct {
	store   crawler.FeedStore
	fetcher crawler.Fetcher
	parser  crawler.Parser
	hasher  crawler.Hasher
	clock   crawler.Clock
	content ContentFetcher
	archive crawler.BlobStore
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. content and archive are optional.
func New(
	store crawler.FeedStore,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	hasher crawler.Hasher,
	clock crawler.Clock,
	content ContentFetcher,
	archive crawler.BlobStore,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.BulkInsertThreshold <= 0 {
		cfg.BulkInsertThreshold = DefaultBulkInsertThreshold
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:   store,
		fetcher: fetcher,
		parser:  parser,
		hasher:  hasher,
		clock:   clock,
		content: content,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process crawls feed and settles d. The delivery is acknowledged only after
// the feed has been released, or when the lease turns out to belong to
// someone else.
func (w *Worker) Process(ctx context.Context, feed crawler.FeedSource, d queue.Delivery) (res Result) {
	start := w.clock.Now()
	ctx, span := otel.Tracer("rss-dispatch/worker").Start(ctx, "crawl",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("feed.url", feed.FeedURL),
			attribute.String("lease.id", feed.LeaseID),
		),
	)
	logger := w.logger.With(zap.String("feed_url", feed.FeedURL), zap.String("lease_id", feed.LeaseID))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	res = Result{FeedURL: feed.FeedURL, LeaseID: feed.LeaseID}
	defer func() {
		res.Duration = w.clock.Now().Sub(start)
		span.SetAttributes(
			attribute.String("crawl.outcome", string(res.Outcome)),
			attribute.Int("crawl.new_entries", res.NewEntries),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.Outcome))
		}
		span.End()
	}()

	parsed, err := w.fetchAndParse(ctx, feed, &res, logger)
	if err != nil {
		res.Err = err
		logger.Warn("feed unavailable, releasing lease", zap.String("outcome", string(res.Outcome)), zap.Error(err))
		w.settle(ctx, d, feed, &res, true, logger)
		return res
	}

	now := w.clock.Now()
	renewed, err := w.store.ConditionalUpdate(ctx, feed.FeedURL, held(feed), crawler.FeedUpdate{
		State:    crawler.LeaseStateLeased,
		LeasedAt: &now,
		LeaseID:  feed.LeaseID,
		Metadata: &parsed.Metadata,
	})
	if err != nil {
		res.Outcome = OutcomeStoreFailed
		res.Err = fmt.Errorf("renew lease: %w", err)
		logger.Error("lease renewal failed", zap.Error(err))
		w.settle(ctx, d, feed, &res, false, logger)
		return res
	}
	if !renewed {
		res.Outcome = OutcomeLeaseLost
		logger.Warn("lease reclaimed by another dispatcher, abandoning crawl")
		w.abandon(ctx, d, &res, logger)
		return res
	}

	fresh, err := w.stage(feed, parsed.Items, &res)
	if err == nil {
		err = w.insert(ctx, feed, fresh, &res, logger)
	}
	if errors.Is(err, crawler.ErrLeaseLost) {
		res.Outcome = OutcomeLeaseLost
		logger.Warn("lease reclaimed while writing entries, abandoning crawl", zap.Int("inserted", res.NewEntries))
		w.abandon(ctx, d, &res, logger)
		return res
	}
	if err != nil {
		res.Outcome = OutcomeStoreFailed
		res.Err = err
		logger.Error("persisting entries failed", zap.Int("inserted", res.NewEntries), zap.Error(err))
		w.settle(ctx, d, feed, &res, false, logger)
		return res
	}

	res.Outcome = OutcomeCrawled
	w.settle(ctx, d, feed, &res, true, logger)
	if res.Acked && res.Outcome == OutcomeCrawled {
		logger.Info("feed crawled",
			zap.Int("new_entries", res.NewEntries),
			zap.Int("skipped", res.Skipped),
			zap.String("mode", string(res.Mode)),
		)
	}
	return res
}

func (w *Worker) fetchAndParse(
	ctx context.Context,
	feed crawler.FeedSource,
	res *Result,
	logger *zap.Logger,
) (crawler.ParsedFeed, error) {
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: feed.FeedURL})
	if err != nil {
		res.Outcome = OutcomeFetchFailed
		return crawler.ParsedFeed{}, fmt.Errorf("fetch feed: %w", err)
	}
	w.archiveBody(ctx, feed.FeedURL, resp.Body, logger)

	parsed, err := w.parser.Parse(resp.Body)
	if err != nil {
		res.Outcome = OutcomeParseFailed
		return crawler.ParsedFeed{}, err
	}
	return parsed, nil
}

// stage fingerprints items and keeps those absent from the feed's index.
// Fingerprints are added to the index while staging so duplicates inside one
// document are staged once.
func (w *Worker) stage(feed crawler.FeedSource, items []crawler.Entry, res *Result) ([]crawler.Entry, error) {
	seen := make(map[string]struct{}, len(feed.EntryIndex)+len(items))
	for _, fp := range feed.EntryIndex {
		seen[fp] = struct{}{}
	}

	now := w.clock.Now()
	var noIdentity, duplicates int
	fresh := make([]crawler.Entry, 0, len(items))
	for _, item := range items {
		fp, raw, err := crawler.Fingerprint(w.hasher, item)
		if errors.Is(err, crawler.ErrNoIdentity) {
			noIdentity++
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, dup := seen[fp]; dup {
			duplicates++
			continue
		}
		seen[fp] = struct{}{}
		item.Fingerprint = fp
		item.IdentityRaw = raw
		item.FeedURL = feed.FeedURL
		item.DiscoveredAt = now
		fresh = append(fresh, item)
	}

	res.Skipped = noIdentity + duplicates
	metrics.ObserveEntriesSkipped("no_identity", noIdentity)
	metrics.ObserveEntriesSkipped("duplicate", duplicates)
	return fresh, nil
}

// insert writes fresh entries. Batches up to the threshold go through one bulk
// insert and one index push; larger batches are written one entry at a time,
// each followed by its own index push, so memory stays bounded when full
// content is fetched. Every write is guarded by the lease, so a worker whose
// lease was reclaimed stops at the next write with crawler.ErrLeaseLost.
func (w *Worker) insert(
	ctx context.Context,
	feed crawler.FeedSource,
	fresh []crawler.Entry,
	res *Result,
	logger *zap.Logger,
) error {
	if len(fresh) == 0 {
		return nil
	}
	lease := held(feed)

	if len(fresh) <= w.cfg.BulkInsertThreshold {
		res.Mode = ModeBulk
		fingerprints := make([]string, len(fresh))
		for i := range fresh {
			w.fillContent(ctx, &fresh[i], logger)
			fingerprints[i] = fresh[i].Fingerprint
		}
		if err := w.store.BulkInsertEntries(ctx, feed.FeedURL, lease, fresh); err != nil {
			return fmt.Errorf("bulk insert entries: %w", err)
		}
		if err := w.store.PushFingerprints(ctx, feed.FeedURL, lease, fingerprints); err != nil {
			return fmt.Errorf("push fingerprints: %w", err)
		}
		res.NewEntries = len(fresh)
		metrics.ObserveEntriesInserted(string(ModeBulk), len(fresh))
		return nil
	}

	res.Mode = ModePerEntry
	defer func() { metrics.ObserveEntriesInserted(string(ModePerEntry), res.NewEntries) }()
	for i := range fresh {
		entry := fresh[i]
		w.fillContent(ctx, &entry, logger)
		if err := w.store.InsertEntry(ctx, feed.FeedURL, lease, entry); err != nil {
			return fmt.Errorf("insert entry %s: %w", entry.Fingerprint, err)
		}
		if err := w.store.PushFingerprint(ctx, feed.FeedURL, lease, entry.Fingerprint); err != nil {
			return fmt.Errorf("push fingerprint %s: %w", entry.Fingerprint, err)
		}
		res.NewEntries++
	}
	return nil
}

// settle releases the lease and acknowledges d. When the release fails the
// delivery is nacked and the feed stays leased for the stale sweep. stamp
// records the attempt in LastCrawledAt.
func (w *Worker) settle(
	ctx context.Context,
	d queue.Delivery,
	feed crawler.FeedSource,
	res *Result,
	stamp bool,
	logger *zap.Logger,
) {
	cleanupCtx, cancel := w.cleanupContext(ctx)
	defer cancel()

	update := crawler.FeedUpdate{State: crawler.LeaseStateIdle}
	if stamp {
		now := w.clock.Now()
		update.LastCrawledAt = &now
	}
	released, err := w.store.ConditionalUpdate(cleanupCtx, feed.FeedURL, held(feed), update)
	if err != nil {
		res.Err = errors.Join(res.Err, fmt.Errorf("release lease: %w", err))
		if res.Outcome == OutcomeCrawled {
			res.Outcome = OutcomeStoreFailed
		}
		logger.Error("lease release failed, leaving message unacknowledged", zap.Error(err))
		if nackErr := d.Nack(cleanupCtx); nackErr != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("nack message: %w", nackErr))
			logger.Error("nack failed", zap.String("message_id", d.ID()), zap.Error(nackErr))
		}
		return
	}
	if !released {
		res.Outcome = OutcomeLeaseLost
		logger.Warn("lease reclaimed before release")
	}
	w.ack(cleanupCtx, d, res, logger)
}

// abandon acknowledges d without touching the feed, which now belongs to
// another lease.
func (w *Worker) abandon(ctx context.Context, d queue.Delivery, res *Result, logger *zap.Logger) {
	cleanupCtx, cancel := w.cleanupContext(ctx)
	defer cancel()
	w.ack(cleanupCtx, d, res, logger)
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery, res *Result, logger *zap.Logger) {
	if err := d.Ack(ctx); err != nil {
		res.Err = errors.Join(res.Err, fmt.Errorf("ack message: %w", err))
		logger.Error("ack failed", zap.String("message_id", d.ID()), zap.Error(err))
		return
	}
	res.Acked = true
}

// cleanupContext survives cancellation of the crawl so shutdown still
// releases leases that were being worked.
func (w *Worker) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
}

func (w *Worker) archiveBody(ctx context.Context, feedURL string, body []byte, logger *zap.Logger) {
	if w.archive == nil || len(body) == 0 {
		return
	}
	feedKey, err := w.hasher.Hash([]byte(feedURL))
	if err != nil {
		logger.Warn("archive key failed", zap.Error(err))
		return
	}
	bodyKey, err := w.hasher.Hash(body)
	if err != nil {
		logger.Warn("archive key failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.xml", feedKey, bodyKey)
	if prefix := strings.Trim(w.cfg.ArchivePrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	uri, err := w.archive.PutObject(ctx, path, "application/xml", body)
	if err != nil {
		logger.Warn("feed archive failed", zap.Error(err))
		return
	}
	logger.Debug("feed archived", zap.String("uri", uri))
}

func held(feed crawler.FeedSource) crawler.LeaseCondition {
	return crawler.LeaseCondition{State: crawler.LeaseStateLeased, LeaseID: feed.LeaseID}
}
