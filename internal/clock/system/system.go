// Package system provides the wall clock used for lease timestamps.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC so lease and crawl
// timestamps compare the same way in every store.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
