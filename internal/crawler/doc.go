// Package crawler holds the domain model of the feed dispatch engine: feeds and
// their lease state, entries, the dispatch snapshot wire format, entry
// fingerprints, and the collaborator interfaces the lease manager and crawl
// workers are built against.
package crawler
