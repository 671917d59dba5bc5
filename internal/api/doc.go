// Package api hosts the HTTP server, middleware, and REST handlers that let a
// collaborator drive a session remotely. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - GET /v1/session for the live session view.
//   - POST /v1/extract, PUT /v1/metadata and PUT /v1/settings to prepare a batch.
//   - POST /v1/run, /v1/pause, /v1/retry-failed and /v1/reset for run control.
//   - GET /v1/archive and /v1/items/{id} to retrieve downloaded images.
package api
