package crawler

import (
	"encoding/json"
	"fmt"
)

// EncodeSnapshot serializes a feed into a dispatch message body.
func EncodeSnapshot(feed FeedSource) ([]byte, error) {
	if feed.EntryIndex == nil {
		feed.EntryIndex = []string{}
	}
	data, err := json.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a dispatch message body. Bodies without a feed URL,
// with an unknown lease state, or leased without a lease token are rejected
// with ErrInvalidSnapshot.
func DecodeSnapshot(data []byte) (FeedSource, error) {
	var feed FeedSource
	if err := json.Unmarshal(data, &feed); err != nil {
		return FeedSource{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if feed.FeedURL == "" {
		return FeedSource{}, fmt.Errorf("%w: missing feedUrl", ErrInvalidSnapshot)
	}
	if !feed.LeaseState.Valid() {
		return FeedSource{}, fmt.Errorf("%w: lease state %q", ErrInvalidSnapshot, feed.LeaseState)
	}
	if feed.LeaseState == LeaseStateLeased && feed.LeaseID == "" {
		return FeedSource{}, fmt.Errorf("%w: missing leaseId", ErrInvalidSnapshot)
	}
	return feed, nil
}
