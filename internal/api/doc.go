// Package api implements the agent's HTTP server.
//
// This package provides:
//   - the entity store endpoints under /v1/entities
//   - the file transfer service under /te/v1/files, rooted at the
//     configured file-transfer directory
//   - a WebSocket hub relaying command state changes seen on the bus
//   - JWT bearer authentication with reader/operator roles
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// Entity requests are forwarded to the registry actor. Changes it commits
// are republished on the MQTT bus by the agent, so HTTP and MQTT clients
// see one entity store. Local operation actors hand files to the outside
// world through the file transfer directory.
//
// # Security
//
// Authentication is enabled by setting security.jwt.secret. Without it the
// server is open and should only listen on loopback. WebSocket clients that
// cannot set headers may pass the token in the access_token query
// parameter.
//
// Error responses carry a single field: {"error": "<message>"}.
package api
