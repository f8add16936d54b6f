// Package api hosts the HTTP server, middleware, and handlers of the gateway
// process. Notable routes:
//   - POST /v1/submissions to submit URLs for analysis.
//   - GET /v1/requests/{request_id} for the current request record.
//   - GET /v1/requests/{request_id}/events to stream status events (SSE).
//   - GET /v1/content?url= for extracted page text.
//   - GET /healthz, /readyz for health checks and GET /metrics for Prometheus.
package api
