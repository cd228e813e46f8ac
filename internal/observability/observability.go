// Package observability provides structured logging, Prometheus metrics,
// and health checking for bountyline.
//
// Key features:
// - Structured JSON logging with UTC timestamps and optional rotated log files
// - Prometheus metrics for ingestion, gating, the triage queue, oracle calls and finding stages
// - A scrape-time collector exposing candidate and finding counts from the state store
// - Health checks with critical and optional components
// - HTTP endpoints for /metrics, /health, and /ready
package observability
