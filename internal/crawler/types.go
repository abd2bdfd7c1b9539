package crawler

import (
	"net/http"
	"time"
)

// LeaseState represents the ownership state of a feed.
type LeaseState string

// Lease states persisted in the feed store.
const (
	LeaseStateIdle   LeaseState = "idle"
	LeaseStateLeased LeaseState = "leased"
)

// Valid reports whether s is a known lease state.
func (s LeaseState) Valid() bool {
	return s == LeaseStateIdle || s == LeaseStateLeased
}

// Person is an author or contributor attached to a feed or entry.
type Person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Enclosure is a media attachment of an entry.
type Enclosure struct {
	URL    string `json:"url"`
	Length int64  `json:"length,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Image is the channel-level image of a feed.
type Image struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// FeedMetadata holds channel-level fields refreshed on every successful fetch.
// Dispatch logic never reads it.
type FeedMetadata struct {
	Title       string     `json:"title,omitempty"`
	Link        string     `json:"link,omitempty"`
	Description string     `json:"description,omitempty"`
	Language    string     `json:"language,omitempty"`
	Copyright   string     `json:"copyright,omitempty"`
	Authors     []Person   `json:"authors,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Image       *Image     `json:"image,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// FeedSource is the unit of dispatch: one record per crawled feed.
type FeedSource struct {
	FeedURL       string        `json:"feedUrl"`
	LeaseState    LeaseState    `json:"leaseState"`
	LeasedAt      *time.Time    `json:"leasedAt,omitempty"`
	LeaseID       string        `json:"leaseId,omitempty"`
	LastCrawledAt *time.Time    `json:"lastCrawledAt,omitempty"`
	EntryIndex    []string      `json:"entryIndex"`
	Metadata      *FeedMetadata `json:"metadata,omitempty"`
}

// Entry is one deduplicated item of a feed. Entries are immutable once stored.
type Entry struct {
	Fingerprint  string      `json:"fingerprint"`
	IdentityRaw  string      `json:"identityRaw"`
	FeedURL      string      `json:"feedUrl"`
	GUID         string      `json:"guid,omitempty"`
	Title        string      `json:"title,omitempty"`
	Link         string      `json:"link,omitempty"`
	Description  string      `json:"description,omitempty"`
	Authors      []Person    `json:"authors,omitempty"`
	Categories   []string    `json:"categories,omitempty"`
	Enclosures   []Enclosure `json:"enclosures,omitempty"`
	PublishedAt  *time.Time  `json:"publishedAt,omitempty"`
	FullContent  string      `json:"fullContent,omitempty"`
	DiscoveredAt time.Time   `json:"discoveredAt"`
}

// ParsedFeed is the structured result of parsing a raw feed body. Items carry
// no fingerprint or feed URL yet.
type ParsedFeed struct {
	Metadata FeedMetadata
	Items    []Entry
}

// LeaseCondition is the expected state a conditional update is guarded by.
// An empty LeaseID matches any lease token.
type LeaseCondition struct {
	State   LeaseState
	LeaseID string
}

// FeedUpdate describes the fields an update writes. State, LeasedAt and
// LeaseID are always written, so a nil LeasedAt clears it. Metadata and
// LastCrawledAt are written only when non-nil.
type FeedUpdate struct {
	State         LeaseState
	LeasedAt      *time.Time
	LeaseID       string
	LastCrawledAt *time.Time
	Metadata      *FeedMetadata
}

// LeaseStats counts feeds per lease state.
type LeaseStats struct {
	Idle   int64 `json:"idle"`
	Leased int64 `json:"leased"`
	Stale  int64 `json:"stale"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
