// Package progress batches status events off the hot path and fans them out
// to pluggable sinks such as structured logs, Prometheus collectors, or the
// event history table. Recording never blocks the caller.
package progress
