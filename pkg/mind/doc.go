// Package mind supervises the child processes that host minds.
//
// Each mind is one subprocess in its own process group, listening on the
// loopback port the registry reserved for it. The manager is the sole
// owner of process handles and PID files; every other component goes
// through its API or watches the activity bus.
//
// Lifecycle per mind:
//
//	        StartMind                    StopMind
//	  idle ──────────► starting ─► running ─────────► stopping ─► idle
//	                                  │
//	                                  │ unexpected exit
//	                                  ▼
//	                               crashed
//	                                  │  RestartTracker
//	                      ┌───────────┴───────────┐
//	                      ▼                       ▼
//	                restarting ─► running       dead (running=false)
//
// Starting reclaims orphans first: a PID file pointing at a live process
// whose command line matches the mind server is killed by group, and
// anything still answering the reserved port's health endpoint is hunted
// down through /proc and killed by port ownership. Spawn then exports the
// VOLUTE_* environment, detaches the child into its own process group,
// tees stdout and stderr into the mind's rotating log, and waits up to
// thirty seconds for the "listening on :<port>" announcement.
//
// Stopping is SIGTERM to the group, a bounded wait, then SIGKILL. A
// deliberate stop resets the crash counter and clears pending context; a
// crash consults the tracker and either restarts after backoff or clears
// the desired-running flag and gives up.
//
// Composite names ("base@variant") resolve through the variant store to a
// separate port and directory but share the base's routing and account.
//
// With isolation enabled each child runs under its dedicated volute-<name>
// OS user, with the state and mind directories chowned to match.
package mind
