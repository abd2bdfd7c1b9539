// Package parser converts RSS and Atom documents into crawler types.
package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/rss-dispatch/internal/crawler"
)

// Parser implements crawler.Parser with gofeed's universal parser.
type Parser struct {
	fp *gofeed.Parser
}

// New returns a Parser.
func New() *Parser {
	return &Parser{fp: gofeed.NewParser()}
}

// Parse detects the feed flavor and maps it. Missing optional fields are left
// empty; items are returned even when they carry no identity.
func (p *Parser) Parse(body []byte) (crawler.ParsedFeed, error) {
	feed, err := p.fp.Parse(bytes.NewReader(body))
	if err != nil {
		return crawler.ParsedFeed{}, fmt.Errorf("parse feed: %w", err)
	}

	out := crawler.ParsedFeed{
		Metadata: crawler.FeedMetadata{
			Title:       strings.TrimSpace(feed.Title),
			Link:        strings.TrimSpace(feed.Link),
			Description: strings.TrimSpace(feed.Description),
			Language:    feed.Language,
			Copyright:   feed.Copyright,
			Authors:     people(feed.Authors),
			Categories:  feed.Categories,
			PublishedAt: feed.PublishedParsed,
		},
		Items: make([]crawler.Entry, 0, len(feed.Items)),
	}
	if out.Metadata.PublishedAt == nil {
		out.Metadata.PublishedAt = feed.UpdatedParsed
	}
	if feed.Image != nil && feed.Image.URL != "" {
		out.Metadata.Image = &crawler.Image{URL: feed.Image.URL, Title: feed.Image.Title}
	}

	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		out.Items = append(out.Items, item(it))
	}
	return out, nil
}

func item(it *gofeed.Item) crawler.Entry {
	description := strings.TrimSpace(it.Description)
	if description == "" {
		description = strings.TrimSpace(it.Content)
	}
	entry := crawler.Entry{
		GUID:        strings.TrimSpace(it.GUID),
		Title:       strings.TrimSpace(it.Title),
		Link:        strings.TrimSpace(it.Link),
		Description: description,
		Authors:     people(it.Authors),
		Categories:  it.Categories,
		PublishedAt: it.PublishedParsed,
	}
	if entry.PublishedAt == nil {
		entry.PublishedAt = it.UpdatedParsed
	}
	for _, enc := range it.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		length, _ := strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
		entry.Enclosures = append(entry.Enclosures, crawler.Enclosure{
			URL:    enc.URL,
			Length: length,
			Type:   enc.Type,
		})
	}
	return entry
}

func people(in []*gofeed.Person) []crawler.Person {
	var out []crawler.Person
	for _, p := range in {
		if p == nil || (p.Name == "" && p.Email == "") {
			continue
		}
		out = append(out, crawler.Person{Name: p.Name, Email: p.Email})
	}
	return out
}
