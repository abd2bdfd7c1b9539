package postgres

import (
	"context"
	"fmt"
)

// Fingerprints are deliberately not unique in the entries table: identity is
// global but deduplication happens against each feed's entry_index.
func (s *FeedStore) schemaStatements() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	feed_url TEXT PRIMARY KEY,
	lease_state TEXT NOT NULL DEFAULT 'idle',
	leased_at TIMESTAMPTZ,
	lease_id TEXT NOT NULL DEFAULT '',
	last_crawled_at TIMESTAMPTZ,
	entry_index TEXT[] NOT NULL DEFAULT '{}',
	metadata JSONB
)`, s.feeds),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lease_idx ON %s (lease_state, leased_at)`, s.feeds, s.feeds),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	identity_raw TEXT NOT NULL,
	feed_url TEXT NOT NULL,
	guid TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	authors JSONB,
	categories JSONB,
	enclosures JSONB,
	published_at TIMESTAMPTZ,
	full_content TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL
)`, s.entries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_feed_url_idx ON %s (feed_url)`, s.entries, s.entries),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_fingerprint_idx ON %s (fingerprint)`, s.entries, s.entries),
	}
}

// EnsureSchema creates the feeds and entries tables when missing.
func (s *FeedStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
