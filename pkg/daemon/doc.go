// Package daemon is the composition root. It builds every manager, wires
// the cross-package hooks that break dependency cycles (delivery's sleeper,
// the mind manager's pending-context clearer, the scheduler's deliverer),
// and owns the daemon's runtime files.
//
// Startup order: bind the API port first, so a collision with an already
// running daemon exits before any state file is written. Then daemon.pid
// and daemon.json, the event bus, scheduler, sleep manager, and finally
// autostart of every registry entry whose desired state is running.
//
// Shutdown is a single idempotent path: stop the scheduler and save its
// ledger, stop the sleep manager, flush pending batches, stop connectors,
// stop minds, clear crash counters, drain the HTTP server, and unlink the
// runtime files only if their content still fingerprints this process.
package daemon
