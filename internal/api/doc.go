// Package api implements the HTTP REST API and WebSocket server for instrumental.
//
// This package provides:
//   - REST endpoints to list drivers and VISA resources, open and close
//     instruments, read and write facets and save aliases
//   - a WebSocket hub that relays facet changes as they happen
//   - the Prometheus scrape endpoint
//   - the middleware stack (request ID, logging, recovery, CORS)
//
// # Concurrency
//
// Instrument I/O is not safe for concurrent use, so every handler that
// touches an instrument holds one server-wide lock. Slow devices therefore
// serialize requests, which matches how a bench is driven by hand.
//
// # Graceful Degradation
//
// MQTT, the facet history store and the telemetry fanout are optional.
// Without them the matching endpoints answer 503 or omit the field.
package api
