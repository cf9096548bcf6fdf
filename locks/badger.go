/*
Package locks provides the external per-provider-account Lock Store and the
heartbeat-tracking keys, both as BadgerDB entries with a TTL.

PURPOSE:
  Two operations must never drive the same provider account at once. The
  lock lives outside the financial store: it is acquired before an
  operation is created and released, best-effort, after the operation's
  terminal write commits. A leaked lock expires on its own.

KEY LAYOUT:
  lock:{resourceID}     -> owning operation id   (TTL = lock TTL)
  heartbeat:{operation} -> last heartbeat, RFC3339 (TTL = heartbeat period)

  Badger hides expired entries, so an expired lock reads as free.

SEE ALSO:
  - engine/collaborators.go: LockStore and HeartbeatTracker contracts
*/
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/warp/operation-ledger/engine"
)

const DefaultTTL = 10 * time.Minute

// Open opens a Badger database at path. An empty path opens an in-memory
// database, which is what tests and single-node development use.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock store: %w", err)
	}
	return db, nil
}

// BadgerStore implements engine.LockStore and engine.HeartbeatTracker.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

func NewBadgerStore(db *badger.DB, ttl time.Duration) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl, now: time.Now}, nil
}

func lockKey(resourceID string) []byte { return []byte("lock:" + resourceID) }

func heartbeatKey(id engine.OperationID) []byte { return []byte("heartbeat:" + string(id)) }

// Acquire takes the lock for owner. Re-acquiring a lock the owner already
// holds refreshes its TTL. A concurrent acquirer that loses the Badger
// transaction conflict is told the lock is held.
func (s *BadgerStore) Acquire(ctx context.Context, resourceID string, owner engine.OperationID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(resourceID))
		switch {
		case err == nil:
			var holder string
			if err := item.Value(func(val []byte) error {
				holder = string(val)
				return nil
			}); err != nil {
				return err
			}
			if holder != string(owner) {
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(lockKey(resourceID), []byte(owner)).WithTTL(s.ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resourceID, err)
	}
	return acquired, nil
}

// Release drops the lock if owner still holds it. Releasing a free lock, or
// one that lapsed and now belongs to another operation, is not an error.
func (s *BadgerStore) Release(ctx context.Context, resourceID string, owner engine.OperationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(resourceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var holder string
		if err := item.Value(func(val []byte) error {
			holder = string(val)
			return nil
		}); err != nil {
			return err
		}
		if holder != string(owner) {
			return nil
		}
		return txn.Delete(lockKey(resourceID))
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", resourceID, err)
	}
	return nil
}

// Holder returns the operation holding the lock, if any.
func (s *BadgerStore) Holder(resourceID string) (engine.OperationID, bool, error) {
	var holder engine.OperationID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(resourceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			holder = engine.OperationID(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, true, nil
}

// =============================================================================
// HEARTBEAT KEYS
// =============================================================================

// Touch writes the heartbeat key with a fresh TTL.
func (s *BadgerStore) Touch(ctx context.Context, id engine.OperationID, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := []byte(s.now().UTC().Format(time.RFC3339))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(heartbeatKey(id), stamp).WithTTL(ttl))
	})
}

func (s *BadgerStore) Remove(ctx context.Context, id engine.OperationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(heartbeatKey(id))
	})
}

// Alive reports whether a heartbeat key exists and has not expired.
func (s *BadgerStore) Alive(id engine.OperationID) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(heartbeatKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

var (
	_ engine.LockStore        = (*BadgerStore)(nil)
	_ engine.HeartbeatTracker = (*BadgerStore)(nil)
)
