package progress

import (
	"errors"
	"time"
)

// Event is the outcome of one crawl task.
type Event struct {
	FeedURL    string
	LeaseID    string
	TS         time.Time
	Outcome    string
	NewEntries int
	Skipped    int
	Mode       string
	Acked      bool
	Dur        time.Duration
	// Note carries the error text of a failed crawl.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.FeedURL == "" {
		return errors.New("feed url is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Outcome == "" {
		return errors.New("outcome is required")
	}
	if e.NewEntries < 0 || e.Skipped < 0 {
		return errors.New("entry counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
