// Package api hosts the optional status server that runs next to a crawl.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the live pipeline counters and permit stats.
package api
