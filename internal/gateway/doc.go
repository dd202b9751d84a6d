// Package gateway serves the agent-bridge HTTP API.
//
// A Gateway owns the thread repository, the tool gateway and the runner
// client, and exposes them as:
//
//	GET  /health                        liveness, no auth
//	GET  /health/ready                  store pings, no auth
//	POST /api/threads                   create a thread
//	GET  /api/threads                   list the caller's threads
//	GET  /api/threads/{id}              thread metadata
//	GET  /api/threads/{id}/turns        paged history
//	POST /api/threads/{id}/turns        run a turn, events as SSE
//	GET  /api/threads/{id}/ws           run a turn over a WebSocket
//	GET  /api/threads/{id}/transcript   Markdown or HTML transcript
//	POST /api/invoke                    run a turn, collected JSON response
//	GET  /api/tools                     discovered tools and server health
//
// Turns on the same thread are serialized in arrival order. Every turn
// stream ends with exactly one stream_end event, even when the relay
// itself fails.
package gateway
