// Package stream implements the tiered fan-out dispatcher using the actor pattern.
//
// The Dispatcher owns the client and topic registries and all timers. A single
// goroutine fed by a command channel performs every registry mutation and every
// delivery (no mutexes). Producers push data points via Publish; the connection
// layer owns only the Sink each delivery is written to. Payload compression and
// delta encoding are independent cache-backed transforms applied per client
// according to tier-derived delivery preferences.
package stream
