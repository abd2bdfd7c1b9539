// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/feeds, /v1/feeds/entries and /v1/feeds/stats for read-only
//     inspection of the feed store.
package api
