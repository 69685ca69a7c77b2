// Package api hosts the optional status server of a scraper run. Routes:
//   - GET /healthz for liveness probes.
//   - GET /status for the last batch summary and the current egress identity.
//   - GET /metrics for Prometheus scraping.
package api
