package progress

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// LogSink writes one summary line per batch: outcome counts, new entries,
// and the slowest crawl in the batch.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Summary aggregates a batch of events.
type Summary struct {
	Crawls     int
	Outcomes   map[string]int
	NewEntries int
	Skipped    int
	Unacked    int
	Slowest    time.Duration
	SlowestURL string
}

// Summarize folds a batch into a Summary.
func Summarize(batch []Event) Summary {
	s := Summary{Outcomes: make(map[string]int)}
	for _, evt := range batch {
		s.Crawls++
		s.Outcomes[evt.Outcome]++
		s.NewEntries += evt.NewEntries
		s.Skipped += evt.Skipped
		if !evt.Acked {
			s.Unacked++
		}
		if evt.Dur > s.Slowest {
			s.Slowest = evt.Dur
			s.SlowestURL = evt.FeedURL
		}
	}
	return s
}

// Consume logs the batch summary.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	sum := Summarize(batch)
	outcomes := make([]string, 0, len(sum.Outcomes))
	for outcome := range sum.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	fields := []zap.Field{
		zap.Int("crawls", sum.Crawls),
		zap.Int("new_entries", sum.NewEntries),
		zap.Int("skipped", sum.Skipped),
		zap.Int("unacked", sum.Unacked),
		zap.Duration("slowest", sum.Slowest),
		zap.String("slowest_feed", sum.SlowestURL),
	}
	for _, outcome := range outcomes {
		fields = append(fields, zap.Int("outcome_"+outcome, sum.Outcomes[outcome]))
	}
	s.logger.Info("crawl summary", fields...)
	return nil
}

// Close implements Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
