// Package sinks implements progress.Sink consumers: structured logging,
// Prometheus collectors, and durable event history.
package sinks
