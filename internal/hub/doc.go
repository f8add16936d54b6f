// Package hub fans status events out to per-request subscribers. Each
// subscriber first receives the latest known status, then every later event
// in publish order, and its channel closes after a terminal status.
package hub
