/*
Package events provides the in-process activity bus for Volute's pub/sub
messaging.

The bus broadcasts lifecycle and activity events (mind_started, mind_stopped,
mind_active, mind_idle, mind_done, schedule_changed) to callback subscribers.
Distribution runs on a dedicated goroutine and each subscriber's callback
runs on its own worker, so publishing never blocks on subscriber code and a
subscriber may publish from inside its callback without deadlocking. The
SleepManager relies on this when its return-to-sleep hook fires off a
mind_idle event.

	┌────────────────────── ACTIVITY BUS ───────────────────────┐
	│                                                            │
	│  Publisher → event channel (buffer 100)                    │
	│        ↓                                                   │
	│  broadcast loop                                            │
	│        ↓                                                   │
	│  per-subscriber channel (buffer 50) → callback goroutine   │
	│                                                            │
	│  Subscribers: ConnectorManager (start connectors on        │
	│  mind_started), SleepManager (waitForIdle, return-to-      │
	│  sleep), Scheduler (schedule_changed reloads), webhook     │
	│  forwarder (external POST)                                 │
	└────────────────────────────────────────────────────────────┘

Delivery is best-effort and ordered: a subscriber receives events in publish
order, but one that falls more than 50 events behind starts losing events
rather than stalling the daemon. Nothing lifecycle-critical may depend on
event delivery; the bus carries signals, not state.

WebhookForwarder is an optional subscriber that POSTs every event to an
external URL with bearer-token auth, rate-limited to protect the receiver.
*/
package events
