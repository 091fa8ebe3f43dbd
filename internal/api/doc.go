// Package api implements the operator HTTP API and notification WebSocket
// for the ESP bridge.
//
// This package provides:
//   - REST endpoints to request a sensor registration, force a
//     re-registration, read the last settings report, publish a raw command
//     and delete a device
//   - read endpoints over devices and the event log
//   - a WebSocket hub that relays engine notifications (event.created,
//     device.updated, device.registered) to subscribed clients
//   - middleware for request IDs, logging, panic recovery, CORS and body
//     size limits
//
// # Graceful Degradation
//
// The server runs without a bus connection. Reads and WebSocket clients keep
// working; endpoints that must publish answer 503 until the bus is back.
//
// Authentication is handled in front of the bridge and is not part of this
// package.
package api
