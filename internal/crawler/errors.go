package crawler

import "errors"

var (
	// ErrNotFound is returned when a feed does not exist in the store.
	ErrNotFound = errors.New("feed not found")
	// ErrNoIdentity marks an entry with no GUID, link, title, or description.
	ErrNoIdentity = errors.New("entry has no identity")
	// ErrLeaseLost is returned by lease-guarded writes when the feed is no
	// longer held under the expected lease.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrInvalidSnapshot is returned when a dispatch message cannot be decoded.
	ErrInvalidSnapshot = errors.New("invalid feed snapshot")
)
