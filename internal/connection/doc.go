// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one feed websocket session at a time
//   - Authorizes each attempt and carries the bearer token in the handshake header
//   - Keeps the session alive with pings; a missed pong forces a reconnect
//   - Reconnects with capped exponential backoff until the attempt budget runs out (Failed)
//   - Decodes inbound frames and routes market events, acks and session info to listeners
//
// State machine:
//
//	Disconnected -> Connecting -> Connected
//	Connecting   -> Reconnecting            (handshake or auth failed)
//	Connected    -> Reconnecting            (read/write error or keepalive timeout)
//	Reconnecting -> Connecting              (after backoff, budget remaining)
//	Reconnecting -> Failed                  (budget exhausted, terminal)
//	any running  -> Disconnected            (Stop)
package connection
