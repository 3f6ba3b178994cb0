// Package client implements the HTTP client side of the mind child API.
//
// Every mind child exposes a small HTTP server on a loopback port assigned
// by the registry. The daemon talks to it through this package:
//
//	POST /message  deliver a message, response is an NDJSON event stream
//	POST /typing   forward a typing indicator, fire and forget
//	GET  /health   readiness and liveness probe
//
// Message delivery is stream-oriented. The child answers with one JSON
// object per line (text, tool_use, tool_result, meta) and terminates the
// stream with a done event. Callers that only need completion use
// PostAndDrain; callers that watch for the done event to release delivery
// slots take the Stream from PostMessage and consume it themselves.
//
// Each port is guarded by its own circuit breaker. A child that stops
// answering trips its breaker after five consecutive failures and delivery
// attempts fail fast for thirty seconds instead of stacking timeouts.
package client
