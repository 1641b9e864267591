// Package api implements the local HTTP and WebSocket surface of the feeder
// client.
//
// This package provides:
//   - REST endpoints under /api/v1 for the client view and every user action
//   - a WebSocket hub broadcasting view and notification changes
//   - bearer-token auth over the client's current session, with single-use
//     tickets for WebSocket connections
//   - request ID, logging, recovery, CORS and body limit middleware
//
// # Errors
//
// Every failure is answered with the same JSON envelope. The status and code
// come from apperr.KindOf and the message from apperr.Message, so raw backend
// text never reaches the UI.
//
// # Sessions
//
// The client holds one signed-in account at a time. A bearer token is accepted
// only while it belongs to the current principal; signing in as someone else
// invalidates earlier tokens.
package api
