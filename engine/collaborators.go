package engine

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
)

// =============================================================================
// EXTERNAL COLLABORATORS - consumed, never part of the financial atomic unit
// =============================================================================

// LockStore provides per-provider-account mutual exclusion so two operations
// never drive the same external account at once. Locks carry a TTL in the
// implementation, so a leaked lock heals on its own. Release only drops the
// lock while owner still holds it; a lock that lapsed and was taken by
// another operation is left alone.
type LockStore interface {
	Acquire(ctx context.Context, resourceID string, owner OperationID) (bool, error)
	Release(ctx context.Context, resourceID string, owner OperationID) error
}

// HeartbeatTracker mirrors client heartbeats into an external key with TTL.
type HeartbeatTracker interface {
	Touch(ctx context.Context, id OperationID, ttl time.Duration) error
	Remove(ctx context.Context, id OperationID) error
}

// NotificationSink delivers user-facing alerts after they are committed.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

type nopLocks struct{}

func (nopLocks) Acquire(context.Context, string, OperationID) (bool, error) { return true, nil }
func (nopLocks) Release(context.Context, string, OperationID) error         { return nil }

type nopTracker struct{}

func (nopTracker) Touch(context.Context, OperationID, time.Duration) error { return nil }
func (nopTracker) Remove(context.Context, OperationID) error               { return nil }

type nopSink struct{}

func (nopSink) Notify(context.Context, Notification) error { return nil }

// NopLockStore, NopHeartbeatTracker and NopSink are used when a collaborator
// is not configured.
var (
	NopLockStore        LockStore        = nopLocks{}
	NopHeartbeatTracker HeartbeatTracker = nopTracker{}
	NopSink             NotificationSink = nopSink{}
)

// dispatch hands committed notifications to the sink. Delivery is
// best-effort: the notification is already persisted with the money.
func dispatch(ctx context.Context, sink NotificationSink, logger arbor.ILogger, outbox []Notification) {
	for _, n := range outbox {
		if err := sink.Notify(ctx, n); err != nil {
			logger.Warn().
				Err(err).
				Str("notification_id", n.ID).
				Str("account_id", string(n.AccountID)).
				Msg("Notification delivery failed")
		}
	}
}
