// Package push manages user-facing push connections.
//
// Each connection moves through
//
//	Connecting -> Authenticated -> Streaming -> Closing -> Closed
//
// and owns a bounded outbound queue drained by its own writer goroutine.
// The queue never blocks a producer: when it is full the connection is
// dropped rather than slowing the telemetry path. A heartbeat pings the
// peer every ping interval and closes the connection when nothing has been
// heard for ping interval + pong timeout.
//
// The transport is abstract. NewWebSocketTransport adapts a gorilla
// websocket connection; tests use an in-memory transport.
package push
