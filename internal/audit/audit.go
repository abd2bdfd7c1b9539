// Package audit measures near-duplicate article content among the entries of
// each feed. It only reads from the store.
package audit

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
)

// DefaultThreshold is the similarity above which two entries count as the
// same article.
const DefaultThreshold = 0.98

// Catalog is the read side the auditor needs.
type Catalog interface {
	ListFeeds(ctx context.Context) ([]crawler.FeedSource, error)
	ListEntries(ctx context.Context, feedURL string) ([]crawler.Entry, error)
}

// Report counts similar entry pairs.
type Report struct {
	PerFeed  map[string]int `json:"perFeed"`
	Total    int            `json:"total"`
	Compared int            `json:"compared"`
}

// Auditor compares every pair of entries within a feed.
type Auditor struct {
	catalog   Catalog
	threshold float64
	logger    *zap.Logger
}

// New builds an Auditor. A threshold outside (0, 1] falls back to
// DefaultThreshold.
func New(catalog Catalog, threshold float64, logger *zap.Logger) *Auditor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{catalog: catalog, threshold: threshold, logger: logger}
}

// Run audits all feeds. Only entries with full content take part.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	feeds, err := a.catalog.ListFeeds(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list feeds: %w", err)
	}

	report := Report{PerFeed: make(map[string]int)}
	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("audit canceled: %w", err)
		}
		entries, err := a.catalog.ListEntries(ctx, feed.FeedURL)
		if err != nil {
			return report, fmt.Errorf("list entries for %s: %w", feed.FeedURL, err)
		}

		similar, compared := a.auditFeed(entries)
		report.Compared += compared
		if similar > 0 {
			report.PerFeed[feed.FeedURL] = similar
			report.Total += similar
			a.logger.Info("similar entries found",
				zap.String("feed_url", feed.FeedURL),
				zap.Int("pairs", similar),
			)
		}
	}
	return report, nil
}

func (a *Auditor) auditFeed(entries []crawler.Entry) (similar, compared int) {
	sets := make([]map[string]struct{}, 0, len(entries))
	for _, e := range entries {
		if e.FullContent == "" {
			continue
		}
		sets = append(sets, TokenSet(VisibleText(e.FullContent)))
	}
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			compared++
			if Jaccard(sets[i], sets[j]) > a.threshold {
				similar++
			}
		}
	}
	return similar, compared
}

// VisibleText strips markup, scripts and styles from an HTML page. Input that
// does not parse as HTML is returned unchanged.
func VisibleText(page string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return page
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// TokenSet lowercases text and splits it on anything that is not a letter or
// digit.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are not similar.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}
