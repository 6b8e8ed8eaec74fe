// Package server implements the connection-handling layer in front of the
// stream dispatcher.
//
// It owns the HTTP surface (Echo): WebSocket and SSE stream endpoints, a
// producer publish endpoint, health checks, and the Prometheus metrics route.
// The dispatcher only ever sees abstract sinks; everything transport-specific
// (upgrades, write deadlines, keepalives, per-IP limits) lives here.
package server
