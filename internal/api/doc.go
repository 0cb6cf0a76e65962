// Package api hosts the status HTTP server that runs alongside a mirror run.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for live counters of the active run.
//   - GET /v1/runs/last for the summary of the most recent run.
//   - GET /v1/digest for the current library digest.
package api
