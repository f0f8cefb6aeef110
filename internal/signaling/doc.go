// Package signaling implements the harness's signaling surface: the
// offer/answer exchange, per-session transport event wiring, DataChannel
// message routing, and the HTTP/WebSocket endpoints that drive it all.
package signaling
