package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/metrics"
	"github.com/JakeFAU/rss-dispatch/internal/policy/breaker"
	"github.com/JakeFAU/rss-dispatch/internal/policy/ratelimit"
)

// ContentFetcher retrieves the article page behind an entry link.
type ContentFetcher interface {
	FetchContent(ctx context.Context, pageURL string) (string, error)
}

// PageFetcher fetches article pages with per-host rate limiting and circuit
// breaking. It is shared by all workers of a pool.
type PageFetcher struct {
	fetcher  crawler.Fetcher
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
}

var _ ContentFetcher = (*PageFetcher)(nil)

// NewPageFetcher builds a PageFetcher. A nil limiter or registry disables that
// guard.
func NewPageFetcher(fetcher crawler.Fetcher, limiter *ratelimit.Limiter, breakers *breaker.Registry) *PageFetcher {
	return &PageFetcher{fetcher: fetcher, limiter: limiter, breakers: breakers}
}

// FetchContent returns the raw page body.
func (p *PageFetcher) FetchContent(ctx context.Context, pageURL string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, pageURL); err != nil {
			metrics.ObservePageFetch(pageURL, "throttled")
			return "", err
		}
	}

	fetch := func() ([]byte, error) {
		resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
		if err != nil {
			return nil, fmt.Errorf("fetch page: %w", err)
		}
		return resp.Body, nil
	}

	var (
		body []byte
		err  error
	)
	if p.breakers != nil {
		body, err = p.breakers.Execute(ratelimit.Host(pageURL), fetch)
	} else {
		body, err = fetch()
	}
	switch {
	case errors.Is(err, breaker.ErrOpen):
		metrics.ObservePageFetch(pageURL, "circuit_open")
		return "", err
	case err != nil:
		metrics.ObservePageFetch(pageURL, "error")
		return "", err
	}
	metrics.ObservePageFetch(pageURL, "ok")
	return string(body), nil
}

// fillContent sets FullContent on entry when content fetching is enabled.
// Failures only leave the field empty.
func (w *Worker) fillContent(ctx context.Context, entry *crawler.Entry, logger *zap.Logger) {
	if w.content == nil || !w.cfg.FetchFullContent || entry.Link == "" {
		return
	}
	content, err := w.content.FetchContent(ctx, entry.Link)
	if err != nil {
		logger.Debug("full content unavailable", zap.String("link", entry.Link), zap.Error(err))
		return
	}
	entry.FullContent = content
}
