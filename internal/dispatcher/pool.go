// Package dispatcher runs crawl tasks for received dispatch messages on a
// bounded pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/metrics"
	"github.com/JakeFAU/rss-dispatch/internal/queue"
	"github.com/JakeFAU/rss-dispatch/internal/worker"
)

// DefaultThreads is the pool capacity when none is configured.
const DefaultThreads = 10

// DefaultMaxRejects is how many times an undecodable message is nacked before
// the pool drops it.
const DefaultMaxRejects = 3

// maxTrackedRejects bounds the reject counter map. Backends that never
// redeliver a nacked message would otherwise grow it forever.
const maxTrackedRejects = 1024

// Processor crawls one leased feed and settles its delivery.
type Processor interface {
	Process(ctx context.Context, feed crawler.FeedSource, d queue.Delivery) worker.Result
}

// Config controls Pool behavior.
type Config struct {
	// ThreadsNum is the maximum number of concurrent crawl tasks.
	ThreadsNum int
	// ReceiveBackoff is the pause after a failed receive.
	ReceiveBackoff time.Duration
	// SettleTimeout bounds the nack issued for a panicking task.
	SettleTimeout time.Duration
	// MaxRejects is the number of decode failures after which a message is
	// acknowledged instead of nacked. The feed it named, if any, is recovered
	// by the stale lease sweep.
	MaxRejects int
	// OnResult, when set, sees every task result after it is recorded.
	OnResult func(worker.Result)
}

// Pool receives dispatch messages only while it has a free slot, so a full
// pool leaves messages in the broker.
type Pool struct {
	queue   queue.Provider
	proc    Processor
	sem     *semaphore.Weighted
	cfg     Config
	logger  *zap.Logger
	results chan worker.Result

	// rejects is only touched by the Run goroutine.
	rejects map[string]int
}

// New creates a Pool.
func New(q queue.Provider, proc Processor, cfg Config, logger *zap.Logger) *Pool {
	if cfg.ThreadsNum <= 0 {
		cfg.ThreadsNum = DefaultThreads
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.MaxRejects <= 0 {
		cfg.MaxRejects = DefaultMaxRejects
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:   q,
		proc:    proc,
		sem:     semaphore.NewWeighted(int64(cfg.ThreadsNum)),
		cfg:     cfg,
		logger:  logger,
		results: make(chan worker.Result, cfg.ThreadsNum),
		rejects: make(map[string]int),
	}
}

// Run receives and dispatches messages until ctx ends or the queue closes,
// then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) error {
	var (
		tasks     sync.WaitGroup
		collected = make(chan struct{})
	)
	go func() {
		defer close(collected)
		p.collect()
	}()
	defer func() {
		tasks.Wait()
		close(p.results)
		<-collected
	}()

	p.logger.Info("worker pool started", zap.Int("threads", p.cfg.ThreadsNum))
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		d, err := p.queue.Receive(ctx)
		if err != nil {
			p.sem.Release(1)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, queue.ErrClosed):
				p.logger.Info("queue closed, stopping pool")
				return nil
			}
			p.logger.Error("receive failed", zap.Error(err))
			if !sleep(ctx, p.cfg.ReceiveBackoff) {
				return nil
			}
			continue
		}

		feed, err := crawler.DecodeSnapshot(d.Body())
		if err != nil {
			p.reject(ctx, d, err)
			p.sem.Release(1)
			continue
		}

		delete(p.rejects, d.ID())

		taskCtx := queue.ExtractTrace(ctx, d)
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			defer p.sem.Release(1)
			p.results <- p.runTask(taskCtx, feed, d)
		}()
	}
}

// runTask owns d for the task's lifetime. A panicking task is reported and
// its delivery nacked unless it was already settled.
func (p *Pool) runTask(ctx context.Context, feed crawler.FeedSource, d queue.Delivery) (res worker.Result) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	tracked := &trackedDelivery{Delivery: d}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		res = worker.Result{
			FeedURL: feed.FeedURL,
			LeaseID: feed.LeaseID,
			Outcome: worker.OutcomePanicked,
			Err:     fmt.Errorf("crawl task panicked: %v", r),
		}
		if tracked.settled.Load() {
			res.Acked = tracked.acked.Load()
			return
		}
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
		defer cancel()
		if err := d.Nack(settleCtx); err != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("nack message: %w", err))
		}
	}()

	return p.proc.Process(ctx, feed, tracked)
}

// reject nacks an undecodable message until it has failed MaxRejects times,
// then acknowledges it so it stops cycling through the broker.
func (p *Pool) reject(ctx context.Context, d queue.Delivery, cause error) {
	metrics.ObserveDecodeFailure()
	if len(p.rejects) >= maxTrackedRejects {
		clear(p.rejects)
	}
	p.rejects[d.ID()]++
	attempts := p.rejects[d.ID()]

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	defer cancel()
	fields := []zap.Field{
		zap.String("message_id", d.ID()),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}

	if attempts < p.cfg.MaxRejects {
		p.logger.Error("undecodable dispatch message", fields...)
		if err := d.Nack(settleCtx); err != nil {
			p.logger.Error("nack failed", zap.String("message_id", d.ID()), zap.Error(err))
		}
		return
	}

	delete(p.rejects, d.ID())
	metrics.ObserveDroppedMessage()
	p.logger.Error("dropping undecodable dispatch message",
		append(fields, zap.ByteString("body", truncate(d.Body(), 512)))...,
	)
	if err := d.Ack(settleCtx); err != nil {
		p.logger.Error("ack failed", zap.String("message_id", d.ID()), zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// collect is the pool controller: it records every task result.
func (p *Pool) collect() {
	for res := range p.results {
		metrics.ObserveCrawl(string(res.Outcome), res.Duration)
		fields := []zap.Field{
			zap.String("feed_url", res.FeedURL),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("new_entries", res.NewEntries),
			zap.Bool("acked", res.Acked),
			zap.Duration("duration", res.Duration),
		}
		switch {
		case !res.Acked:
			p.logger.Error("crawl task left message unacknowledged", append(fields, zap.Error(res.Err))...)
		case res.Err != nil:
			p.logger.Warn("crawl task finished with error", append(fields, zap.Error(res.Err))...)
		default:
			p.logger.Debug("crawl task finished", fields...)
		}
		if p.cfg.OnResult != nil {
			p.cfg.OnResult(res)
		}
	}
}

type trackedDelivery struct {
	queue.Delivery
	settled atomic.Bool
	acked   atomic.Bool
}

func (t *trackedDelivery) Ack(ctx context.Context) error {
	t.settled.Store(true)
	if err := t.Delivery.Ack(ctx); err != nil {
		return err //nolint:wrapcheck // the worker wraps settlement errors
	}
	t.acked.Store(true)
	return nil
}

func (t *trackedDelivery) Nack(ctx context.Context) error {
	t.settled.Store(true)
	return t.Delivery.Nack(ctx) //nolint:wrapcheck // the worker wraps settlement errors
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
