/*
liveness.go - Forced expiry of unattended interactive operations

PURPOSE:
  A stateless batch pass. Each call selects operations whose interactive
  phase has gone silent and terminates them:

    1. status ∈ SweepStatuses AND heartbeatExpiry < now, or
    2. status ∈ SweepStatuses AND never heartbeated AND created before
       now − NeverHeartbeatGrace

  Every selected operation gets its own unit of work: re-lock, re-check the
  predicate, EXPIRED + refund-once + notification + audit. A failing
  operation is recorded in the summary and the pass continues.

CONCURRENCY:
  Sweeps hold no state between runs and may overlap (cron catch-up, a manual
  trigger racing the schedule). The re-check under the row lock and
  refundOnce make a second expiry of the same operation a no-op.

SEE ALSO:
  - lifecycle.go: terminate(), releaseExternal()
  - api/scheduler.go: Periodic trigger
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ternarybob/arbor"
)

const (
	DefaultNeverHeartbeatGrace = 30 * time.Second
	DefaultSweepBatchLimit     = 200
)

type SweepSummary struct {
	Checked       int
	Expired       int
	Refunded      int
	RefundedTotal decimal.Decimal
	LocksReleased int
	Skipped       int
	Errors        int
	FailedIDs     []OperationID
}

type Sweeper struct {
	Store      Store
	Logger     arbor.ILogger
	Locks      LockStore
	Heartbeats HeartbeatTracker
	Sink       NotificationSink
	Now        func() time.Time

	NeverHeartbeatGrace time.Duration
	BatchLimit          int
}

func NewSweeper(store Store, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		Store:               store,
		Logger:              logger,
		Locks:               NopLockStore,
		Heartbeats:          NopHeartbeatTracker,
		Sink:                NopSink,
		Now:                 time.Now,
		NeverHeartbeatGrace: DefaultNeverHeartbeatGrace,
		BatchLimit:          DefaultSweepBatchLimit,
	}
}

// Query returns the selection predicate for a sweep at now.
func (s *Sweeper) Query(now time.Time) StaleQuery {
	return StaleQuery{
		Now:                  now,
		NeverHeartbeatBefore: now.Add(-s.NeverHeartbeatGrace),
		Statuses:             SweepStatuses,
		Limit:                s.BatchLimit,
	}
}

// Sweep runs one pass. It only returns an error when candidates cannot be
// selected at all; per-operation failures are reported in the summary.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepSummary, error) {
	now := s.Now().UTC()
	q := s.Query(now)

	candidates, err := s.Store.ListStaleOperations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select stale operations: %w", err)
	}

	summary := &SweepSummary{Checked: len(candidates), RefundedTotal: decimal.Zero}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.expire(ctx, candidates[i].ID, q, summary)
	}

	if summary.Expired > 0 || summary.Errors > 0 {
		s.Logger.Info().
			Int("checked", summary.Checked).
			Int("expired", summary.Expired).
			Int("refunded", summary.Refunded).
			Int("locks_released", summary.LocksReleased).
			Int("errors", summary.Errors).
			Msg("Liveness sweep finished")
	}
	return summary, nil
}

func (s *Sweeper) expire(ctx context.Context, id OperationID, q StaleQuery, summary *SweepSummary) {
	var (
		expired  *Operation
		refunded decimal.Decimal
		outbox   []Notification
	)

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		// Another sweep, a heartbeat or a cancel may have won the race.
		if !q.Matches(op) {
			return nil
		}

		phase := phaseLabel(op.Status)
		r, n, err := terminate(ctx, tx, op, termination{
			status:   StatusExpired,
			reason:   fmt.Sprintf("Session expired: no activity during %s", phase),
			actor:    ActorSweeper,
			action:   AuditOperationExpired,
			title:    "Operation expired",
			severity: SeverityWarning,
		}, q.Now)
		if err != nil {
			return err
		}
		expired = op
		refunded = r
		outbox = append(outbox, n...)
		return nil
	})
	if err != nil {
		summary.Errors++
		summary.FailedIDs = append(summary.FailedIDs, id)
		s.Logger.Error().Err(err).Str("operation_id", string(id)).Msg("Failed to expire operation")
		return
	}
	if expired == nil {
		summary.Skipped++
		return
	}

	summary.Expired++
	if refunded.IsPositive() {
		summary.Refunded++
		summary.RefundedTotal = summary.RefundedTotal.Add(refunded)
	}
	if releaseExternal(ctx, s.Locks, s.Heartbeats, s.Logger, expired) {
		summary.LocksReleased++
	}
	dispatch(ctx, s.Sink, s.Logger, outbox)

	s.Logger.Info().
		Str("operation_id", string(id)).
		Str("account_id", string(expired.AccountID)).
		Str("refunded", refunded.StringFixed(2)).
		Msg("Operation expired")
}
