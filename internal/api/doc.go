// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /api/v1/sources and /api/v1/batches for the crawl registry and schedule.
//   - POST /api/v1/test-crawl for a synchronous single-page check.
//   - /api/v1/items, /api/v1/reviews and /api/v1/logs for the import pipeline.
//   - GET /api/v1/dashboard for the windowed observability report.
package api
