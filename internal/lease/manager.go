// Package lease implements the lease manager: it finds idle or stale feeds,
// takes the lease with a conditional store write, and only then publishes a
// dispatch message for the feed.
package lease

import (
	"context"
	"errors"
	"fmt"
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

// Sweep kinds used for logs and metric labels.
const (
	KindIdle  = "idle"
	KindStale = "stale"
)

// Config controls sweep timing.
type Config struct {
	// StaleInterval is how long a lease may go unrenewed before it is reclaimed.
	StaleInterval time.Duration
	// CheckInterval is the pause after a sweep that matched nothing.
	CheckInterval time.Duration
}

// SweepResult reports what one iteration did.
type SweepResult struct {
	IdleDispatched  int
	StaleDispatched int
	Races           int
}

// Dispatched returns the number of feeds published by the sweep.
func (r SweepResult) Dispatched() int {
	return r.IdleDispatched + r.StaleDispatched
}

// Manager runs the idle and stale sweeps.
type Manager struct {
	store  crawler.FeedStore
	queue  queue.Provider
	clock  crawler.Clock
	ids    crawler.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Manager.
func New(
	store crawler.FeedStore,
	q queue.Provider,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = 2 * time.Hour
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &Manager{
		store:  store,
		queue:  q,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}
}

// Run sweeps until the context ends. Iterations that dispatched something are
// followed immediately by the next one; otherwise the loop waits CheckInterval.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("lease manager started",
		zap.Duration("stale_interval", m.cfg.StaleInterval),
		zap.Duration("check_interval", m.cfg.CheckInterval),
	)
	for {
		res, err := m.Sweep(ctx)
		if ctx.Err() != nil {
			m.logger.Info("lease manager stopped")
			return nil
		}
		if err != nil {
			m.logger.Error("sweep failed", zap.Error(err))
		}
		if err == nil && res.Dispatched() > 0 {
			continue
		}
		timer := time.NewTimer(m.cfg.CheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("lease manager stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Sweep runs one idle check and one stale check. A check that finds nothing
// is a no-op; errors from both checks are joined.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	for _, kind := range []string{KindIdle, KindStale} {
		feed, ok, err := m.find(ctx, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s check: %w", kind, err))
			continue
		}
		if !ok {
			continue
		}
		won, err := m.acquire(ctx, feed, kind)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !won:
			res.Races++
		case kind == KindIdle:
			res.IdleDispatched++
		default:
			res.StaleDispatched++
		}
	}
	return res, errors.Join(errs...)
}

func (m *Manager) find(ctx context.Context, kind string) (crawler.FeedSource, bool, error) {
	if kind == KindIdle {
		return m.store.FindOneIdle(ctx)
	}
	return m.store.FindOneStale(ctx, m.clock.Now().Add(-m.cfg.StaleInterval))
}

// acquire records a fresh lease for feed and publishes its snapshot. It returns
// false without error when the conditional write lost to another writer.
func (m *Manager) acquire(ctx context.Context, feed crawler.FeedSource, kind string) (bool, error) {
	leaseID, err := m.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("new lease id: %w", err)
	}
	now := m.clock.Now()
	expect := crawler.LeaseCondition{State: crawler.LeaseStateIdle}
	if kind == KindStale {
		expect = crawler.LeaseCondition{State: crawler.LeaseStateLeased, LeaseID: feed.LeaseID}
	}

	won, err := m.store.ConditionalUpdate(ctx, feed.FeedURL, expect, crawler.FeedUpdate{
		State:    crawler.LeaseStateLeased,
		LeasedAt: &now,
		LeaseID:  leaseID,
	})
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", feed.FeedURL, err)
	}
	if !won {
		metrics.ObserveLeaseRace(kind)
		m.logger.Debug("lease lost to concurrent writer",
			zap.String("feed_url", feed.FeedURL),
			zap.String("kind", kind),
		)
		return false, nil
	}

	snapshot := feed
	snapshot.LeaseState = crawler.LeaseStateLeased
	snapshot.LeasedAt = &now
	snapshot.LeaseID = leaseID
	body, err := crawler.EncodeSnapshot(snapshot)
	if err != nil {
		return true, fmt.Errorf("encode %s: %w", feed.FeedURL, err)
	}

	// The crawl span continues this trace through the message headers.
	ctx, span := otel.Tracer("rss-dispatch/lease").Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("feed.url", feed.FeedURL),
			attribute.String("lease.id", leaseID),
			attribute.String("lease.kind", kind),
		),
	)
	defer span.End()

	// The lease is already recorded; a failed publish leaves the feed Leased
	// until the stale sweep picks it up again.
	if err := m.queue.Publish(ctx, body); err != nil {
		metrics.ObservePublishFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return true, fmt.Errorf("publish %s: %w", feed.FeedURL, err)
	}

	metrics.ObserveDispatch(kind)
	fields := []zap.Field{
		zap.String("feed_url", feed.FeedURL),
		zap.String("lease_id", leaseID),
		zap.String("kind", kind),
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if kind == KindStale {
		fields = append(fields, zap.String("previous_lease_id", feed.LeaseID))
		m.logger.Warn("reclaimed stale lease", fields...)
	} else {
		m.logger.Debug("feed dispatched", fields...)
	}
	return true, nil
}
