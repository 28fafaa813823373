// Package api implements the exporter's HTTP surface.
//
// New(gatherer, status, telemetryPath) returns an http.Handler that serves:
//
//	GET <telemetryPath>  Prometheus text exposition of the gatherer
//	GET /health          JSON summary of the last scrape (HealthResponse)
//	GET /                HTML landing page linking the telemetry path
//
// A gather error, such as a scrape refused during the start delay, turns
// the exposition into an HTTP 500. /health returns 405 for non-GET methods.
package api
