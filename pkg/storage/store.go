package storage

import (
	"github.com/volute/volute/pkg/types"
)

// Store is the daemon's durable queue storage. The delivery_queue holds
// messages accepted for sleeping minds; rows are append-only until wake,
// when they are drained in insertion order.
type Store interface {
	// EnqueueSleepMessage appends one row with status "sleep-queued".
	EnqueueSleepMessage(msg *types.QueuedMessage) error

	// ListSleepQueued returns the queued rows for a mind in insertion order
	// without removing them.
	ListSleepQueued(mind string) ([]*types.QueuedMessage, error)

	// CountSleepQueued returns the number of queued rows for a mind.
	CountSleepQueued(mind string) (int, error)

	// DrainSleepQueued removes and returns the queued rows for a mind in
	// insertion order, transactionally.
	DrainSleepQueued(mind string) ([]*types.QueuedMessage, error)

	// Utility
	Close() error
}
