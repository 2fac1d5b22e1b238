// Package webchat relays provider answers to chat clients.
//
// Ownership model:
//   - The Relay drives one exchange: it resolves the session, opens the provider stream and
//     forwards fragments in order. Transport specifics sit behind a Responder.
//   - Router mounts the HTTP surface: POST /api/chat (sentinel or SSE body), GET /api/chat/ws
//     (framed websocket), POST /api/delete-history, session history and watch endpoints.
//   - Server owns the lifecycle: eviction loop, event publisher, HTTP server and graceful shutdown.
//
// Failure contract:
//   - Before the first fragment is known, failures are reported with an HTTP status and a JSON
//     body {"error": "..."}.
//   - Once headers are committed, failures are reported in-band only (error sentinel or error frame).
package webchat
