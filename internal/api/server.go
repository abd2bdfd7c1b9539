package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/metrics"
)

const (
	defaultFeedLimit  = 50
	maxFeedLimit      = 500
	defaultEntryLimit = 100
	maxEntryLimit     = 1000
	storeTimeout      = 3 * time.Second
	requestTimeout    = 30 * time.Second
)

// Server exposes health, metrics, and read-only feed inspection endpoints.
type Server struct {
	router        chi.Router
	catalog       crawler.FeedCatalog
	clock         crawler.Clock
	staleInterval time.Duration
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes. staleInterval is
// used to split leased feeds into live and stale counts.
func NewServer(catalog crawler.FeedCatalog, clock crawler.Clock, staleInterval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		catalog:       catalog,
		clock:         clock,
		staleInterval: staleInterval,
		logger:        logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/feeds", func(r chi.Router) {
		r.Get("/", s.listFeeds)
		r.Get("/entries", s.listEntries)
		r.Get("/stats", s.feedStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the feed store answers a count query.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.catalog.CountByLeaseState(ctx, s.staleBefore()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "feed store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// feedStats handles GET /v1/feeds/stats.
func (s *Server) feedStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	stats, err := s.catalog.CountByLeaseState(ctx, s.staleBefore())
	if err != nil {
		s.logger.Error("count feeds failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count feeds")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listFeeds handles GET /v1/feeds?state=&limit=&offset=. It returns
// {"feeds": [...], "total": n} where total counts feeds matching the filter.
func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultFeedLimit, maxFeedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state crawler.LeaseState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state = crawler.LeaseState(strings.ToLower(raw))
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	feeds, err := s.catalog.ListFeeds(ctx)
	if err != nil {
		s.logger.Error("list feeds failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}

	matched := make([]feedDTO, 0, len(feeds))
	for _, feed := range feeds {
		if state != "" && feed.LeaseState != state {
			continue
		}
		matched = append(matched, toFeedDTO(feed))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feeds": page(matched, limit, offset),
		"total": len(matched),
	})
}

// listEntries handles GET /v1/feeds/entries?url=&limit=&offset=.
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	feedURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if feedURL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEntryLimit, maxEntryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	entries, err := s.catalog.ListEntries(ctx, feedURL)
	if err != nil {
		s.logger.Error("list entries failed", zap.String("feed_url", feedURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []crawler.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": page(entries, limit, offset),
		"total":   len(entries),
	})
}

func (s *Server) staleBefore() time.Time {
	return s.clock.Now().Add(-s.staleInterval)
}

type feedDTO struct {
	FeedURL       string                `json:"feedUrl"`
	LeaseState    crawler.LeaseState    `json:"leaseState"`
	LeasedAt      *time.Time            `json:"leasedAt,omitempty"`
	LastCrawledAt *time.Time            `json:"lastCrawledAt,omitempty"`
	EntryCount    int                   `json:"entryCount"`
	Metadata      *crawler.FeedMetadata `json:"metadata,omitempty"`
}

// toFeedDTO drops the lease token and the fingerprint index.
func toFeedDTO(feed crawler.FeedSource) feedDTO {
	return feedDTO{
		FeedURL:       feed.FeedURL,
		LeaseState:    feed.LeaseState,
		LeasedAt:      feed.LeasedAt,
		LastCrawledAt: feed.LastCrawledAt,
		EntryCount:    len(feed.EntryIndex),
		Metadata:      feed.Metadata,
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = val
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = val
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
