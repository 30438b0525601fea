// Package api implements the HTTP REST API and WebSocket server for MRS Core.
//
// This package provides:
//   - REST endpoints for task submission, confirmation and queue management
//   - read endpoints for devices, aisles, banks and the task event log
//   - a WebSocket hub that pushes committed task events and bank board changes
//   - JWT actor authentication (the token's subject becomes the event log actor)
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API is a thin facade over orchestrator.Engine. Handlers decode the
// request, call one engine operation and map its sentinel errors onto HTTP
// status codes. Every decision about banks, devices and sessions is made by
// the engine inside its transaction.
//
// # Security
//
// With security.jwt.enabled every /api/v1 route except /health requires a
// Bearer token signed with HS256. With it disabled the actor is taken from
// the X-Actor header; that mode is for bench rigs only.
//
// WebSocket connections use single-use tickets to keep tokens out of URLs.
package api
