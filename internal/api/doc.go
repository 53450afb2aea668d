// Package api hosts the operations HTTP server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoint for node and row counts by status plus the gap list.
//   - GET /v1/checkpoint/nodes/{key} for the persisted state of one node.
package api
