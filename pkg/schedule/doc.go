// Package schedule fires per-mind cron schedules on a single process-wide
// minute tick.
//
// Each tick computes the current epoch minute and evaluates every loaded
// schedule's cron expression against it, memoizing parses within the tick.
// A schedule fires at most once per epoch minute; firings are recorded in
// a ledger persisted to scheduler-state.json, so a daemon restart inside
// the same minute does not double-fire.
//
// Message schedules post their text on the system:scheduler channel
// through the delivery manager, which means routing and batching still
// apply. Script schedules run under bash in the mind's home directory with
// a bounded timeout; their stdout becomes the message, empty output is a
// no-op, and failures are reported to the mind as a [script error] message.
package schedule
