// Package routing decides which session, mode, and destination a message
// takes for a given mind.
//
// The core is Route, a pure function from (config, mind, message) to a
// Decision. Rules are evaluated in declaration order and the first channel
// glob that matches wins. Globs use * and ? wildcards and match channel
// names case-insensitively. A matched rule can filter on mentions, divert
// to a file, or pick a session whose config may upgrade delivery to batch
// mode. Unmatched channels are gated by default.
//
// Loader tracks each mind's routes.json on disk and hands out the current
// parsed config. Parse failures keep the previous copy rather than
// dropping routes mid-flight.
package routing
