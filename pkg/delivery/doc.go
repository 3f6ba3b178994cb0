// Package delivery is the stateful message pipeline between the daemon's
// public API and the mind child processes.
//
// Every inbound message passes through RouteAndDeliver:
//
//	             ┌────────────┐
//	  message ──►│  routing   │── not routed / gated ──► dropped
//	             └─────┬──────┘
//	                   │ routed
//	             ┌─────▼──────┐
//	             │ sleep gate │── sleeping ──► delivery_queue (+ wake check)
//	             └─────┬──────┘
//	                   │ awake
//	         ┌─────────┴──────────┐
//	         │                    │
//	   mode=immediate        mode=batch
//	         │                    │
//	         │              ┌─────▼──────┐
//	         │              │   buffer   │◄─ debounce / maxWait timers
//	         │              └─────┬──────┘
//	         │                    │ flush (trigger, timer, interrupt)
//	         └────────┬───────────┘
//	            POST /message on the mind's port
//
// The manager owns two pieces of state and nothing else writes them:
//
//   - Session activity: per (mind, session), the count of in-flight
//     deliveries, the time of the last delivery, and the witness sets of
//     senders and channels it covered. SessionDone decrements the count
//     when the child's response stream completes.
//
//   - Batch buffers: per (mind, session), the accumulated messages plus
//     the debounce and maxWait timers of the session's BatchSpec.
//
// The new-speaker interrupt cuts batch latency when it hurts most: if a
// different person speaks on a channel the mind is actively answering,
// the buffer flushes immediately instead of waiting out the debounce.
// Interrupts themselves are rate-limited by the debounce window.
//
// File-destined rules append to a path confined to the mind's directory.
// Display names observed on messages are persisted per mind in
// channels.json and annotate the [Batch: ...] header.
package delivery
