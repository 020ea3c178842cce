// Package server implements the live-connection core of GoChat.
//
// A connection opened at /ws is tracked by the Hub but unregistered until it
// sends an authenticate event carrying a valid bearer token. Admission puts
// it in the Registry, acknowledges with auth_success and announces the user
// online. From then on each inbound event is handled in order by the
// connection's read pump: chat events are persisted in one store
// transaction and only then broadcast to every registered connection.
//
// Timers (handshake grace, heartbeat, idle sweep, typing expiry) all run on
// the injected clock.Clock, so tests drive them with virtual time.
//
// Close codes: 4001 authentication failed, 4002 authentication timeout,
// 4003 session replaced by a newer connection of the same user.
package server
