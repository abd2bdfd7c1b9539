// Package seed loads feed URLs from a CSV file into the feed store.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const defaultBatchSize = 500

// Catalog is the write side the seeder needs.
type Catalog interface {
	InsertFeeds(ctx context.Context, feedURLs []string) (int, error)
	PurgeFeeds(ctx context.Context) error
}

// Options controls a seeding run.
type Options struct {
	// Purge removes every feed before inserting.
	Purge bool
	// BatchSize is the number of URLs per insert call.
	BatchSize int
}

// Result summarizes a seeding run.
type Result struct {
	Read     int
	Inserted int
	Invalid  int
}

// Seeder inserts feeds as idle, leaving already known URLs untouched.
type Seeder struct {
	catalog Catalog
	logger  *zap.Logger
}

// New builds a Seeder.
func New(catalog Catalog, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{catalog: catalog, logger: logger}
}

// Seed reads URLs from r and inserts them.
func (s *Seeder) Seed(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	urls, invalid, err := ReadFeedURLs(r)
	if err != nil {
		return Result{}, err
	}
	for _, raw := range invalid {
		s.logger.Warn("skipping invalid feed url", zap.String("url", raw))
	}
	res := Result{Read: len(urls), Invalid: len(invalid)}

	if opts.Purge {
		if err := s.catalog.PurgeFeeds(ctx); err != nil {
			return res, fmt.Errorf("purge feeds: %w", err)
		}
		s.logger.Info("feed table purged")
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	for start := 0; start < len(urls); start += batch {
		end := min(start+batch, len(urls))
		n, err := s.catalog.InsertFeeds(ctx, urls[start:end])
		if err != nil {
			return res, fmt.Errorf("insert feeds: %w", err)
		}
		res.Inserted += n
	}
	s.logger.Info("feeds seeded",
		zap.Int("read", res.Read),
		zap.Int("inserted", res.Inserted),
		zap.Int("invalid", res.Invalid),
	)
	return res, nil
}

// ReadFeedURLs returns the first column of every record. Blank lines and
// lines starting with '#' are ignored and duplicates are collapsed. Values
// that are not absolute http(s) URLs are returned separately.
func ReadFeedURLs(r io.Reader) (urls []string, invalid []string, err error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	seen := make(map[string]struct{})
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read feed csv: %w", err)
		}
		raw := strings.TrimSpace(record[0])
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		if !validFeedURL(raw) {
			invalid = append(invalid, raw)
			continue
		}
		urls = append(urls, raw)
	}
	return urls, invalid, nil
}

func validFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
