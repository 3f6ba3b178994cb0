// Package sleep puts minds to bed and wakes them up.
//
// A per-minute tick evaluates each registered mind's sleep config:
//
//	awake    + cron(sleep) matches minute          -> InitiateSleep
//	sleeping + now >= max(voluntary, scheduled)    -> InitiateWake
//
// Going to sleep is gentle: the mind gets a pre-sleep notice, the manager
// waits for in-flight deliveries to finish (bounded), lets hooks settle,
// archives live session files under archive/<timestamp>/, and only then
// stops the process. Connectors stay up so messages keep arriving; the
// delivery manager queues them durably instead of posting.
//
// Waking reverses it: the process starts, a summary of what was missed
// ("3 messages while you slept (3 on discord:123)") is posted on
// system:sleep, and the queue flushes in arrival order. A wake caused by a
// trigger (a DM, an @mention, or a configured channel/sender glob) arms a
// return-to-sleep hook that fires on the next idle.
//
// At most one transition per mind is in flight; overlapping requests are
// idempotent no-ops. State persists to sleep-state.json so a daemon
// restart does not lose track of who is asleep.
package sleep
