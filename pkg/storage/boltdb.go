package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/volute/volute/pkg/types"
)

var (
	// Bucket names
	bucketDeliveryQueue = []byte("delivery_queue")
)

// BoltStore implements Store using BoltDB. Queue ordering comes from the
// bucket sequence: keys are big-endian uint64s, so a cursor scan is
// insertion order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeliveryQueue); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDeliveryQueue, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) EnqueueSleepMessage(msg *types.QueuedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = types.StatusSleepQueued
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveryQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListSleepQueued(mind string) ([]*types.QueuedMessage, error) {
	var out []*types.QueuedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveryQueue)
		return b.ForEach(func(k, v []byte) error {
			var msg types.QueuedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.Mind == mind && msg.Status == types.StatusSleepQueued {
				out = append(out, &msg)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CountSleepQueued(mind string) (int, error) {
	rows, err := s.ListSleepQueued(mind)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *BoltStore) DrainSleepQueued(mind string) ([]*types.QueuedMessage, error) {
	var out []*types.QueuedMessage
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveryQueue)

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var msg types.QueuedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.Mind == mind && msg.Status == types.StatusSleepQueued {
				out = append(out, &msg)
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
