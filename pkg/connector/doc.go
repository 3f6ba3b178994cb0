// Package connector runs the platform bridge subprocesses that link chat
// services to minds.
//
// One subprocess per (mind, connector type). Each is launched in its own
// process group with the VOLUTE_* environment contract: the mind's name,
// port, and directory, plus the daemon's URL and bearer token so the
// connector can POST inbound messages to the public API. Platform
// credentials (DISCORD_TOKEN and friends) pass through from the daemon's
// environment.
//
// Connectors mirror the mind lifecycle in miniature, minus crash backoff:
// they are cheap to restart, so an unexpected exit is logged and the slot
// left empty until an operator or mind start brings it back. Output tails
// into a per-connector rotating log under the mind's state directory.
package connector
