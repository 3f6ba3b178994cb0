// Package metrics defines the Prometheus collectors exported on /metrics.
// Collectors are package level and registered once at init; packages record
// into them directly.
package metrics
