/*
Package storetest is the behavioural suite every engine.Store must pass.

PURPOSE:
  The engine only relies on the Store contract: all-or-nothing WithTx,
  append-only logs in creation order, newest-first histories, and a sweep
  selection that matches StaleQuery.Matches. Each backend's _test.go calls
  Run with a constructor, so memory, SQLite and PostgreSQL are held to the
  same expectations.

USAGE:
  func TestStoreContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) engine.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) engine.Store

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("AccountRoundTrip", func(t *testing.T) { testAccountRoundTrip(t, open(t)) })
	t.Run("DuplicateAccount", func(t *testing.T) { testDuplicateAccount(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("TransactionsInCreationOrder", func(t *testing.T) { testTransactionOrder(t, open(t)) })
	t.Run("OperationRoundTrip", func(t *testing.T) { testOperationRoundTrip(t, open(t)) })
	t.Run("AccountOperationsPaging", func(t *testing.T) { testOperationPaging(t, open(t)) })
	t.Run("StaleSelection", func(t *testing.T) { testStaleSelection(t, open(t)) })
	t.Run("NotificationsAndAudit", func(t *testing.T) { testNotificationsAndAudit(t, open(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("ConcurrentCorrectionsAndWithdrawals", func(t *testing.T) { testConcurrentCorrections(t, open(t)) })
	t.Run("ConcurrentCancels", func(t *testing.T) { testConcurrentCancels(t, open(t)) })
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedAccount(t *testing.T, s engine.Store, id engine.AccountID, balance string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		if err := tx.InsertAccount(ctx, engine.Account{ID: id, Balance: decimal.Zero, CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		if balance == "0" {
			return nil
		}
		_, err := engine.ApplyEntry(ctx, tx, engine.Entry{
			AccountID: id,
			Kind:      engine.TxDeposit,
			Amount:    money(balance),
			CreatedBy: engine.ActorAdmin,
		}, base)
		return err
	}))
}

func insertOperation(t *testing.T, s engine.Store, op engine.Operation) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertOperation(ctx, op)
	}))
}

// =============================================================================
// ACCOUNTS & LEDGER
// =============================================================================

func testAccountRoundTrip(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "100.25")

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, engine.AccountID("acct-1"), a.ID)
	assert.True(t, money("100.25").Equal(a.Balance), "balance %s", a.Balance)
	assert.True(t, base.Equal(a.CreatedAt))
}

func testDuplicateAccount(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "0")

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertAccount(ctx, engine.Account{ID: "acct-1", Balance: decimal.Zero, CreatedAt: base, UpdatedAt: base})
	})
	assert.True(t, errors.Is(err, engine.ErrDuplicateAccount), "got %v", err)
}

func testRollback(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "50")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		if _, err := engine.ApplyEntry(ctx, tx, engine.Entry{
			AccountID: "acct-1",
			Kind:      engine.TxWithdraw,
			Amount:    money("-20"),
		}, base); err != nil {
			return err
		}
		if err := tx.InsertOperation(ctx, engine.Operation{ID: "op-1", AccountID: "acct-1", Type: "renewal", Status: engine.StatusPending, CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		if err := tx.AppendNotification(ctx, engine.Notification{ID: "n-1", AccountID: "acct-1", Title: "t", Message: "m", Severity: engine.SeverityInfo, CreatedAt: base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, money("50").Equal(a.Balance))

	txs, err := s.ListTransactions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = s.GetOperation(ctx, "op-1")
	assert.True(t, errors.Is(err, engine.ErrOperationNotFound))

	notes, err := s.ListNotifications(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func testTransactionOrder(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "10")
	insertOperation(t, s, engine.Operation{ID: "op-1", AccountID: "acct-1", Type: "renewal", Amount: money("4"), Status: engine.StatusPending, CreatedAt: base, UpdatedAt: base})

	entries := []engine.Entry{
		{Kind: engine.TxOperationDeduct, Amount: money("-4"), OperationID: "op-1"},
		{Kind: engine.TxRefund, Amount: money("4"), OperationID: "op-1"},
		{Kind: engine.TxCorrection, Amount: money("1.5"), CacheRepair: true},
	}
	for i, e := range entries {
		e.AccountID = "acct-1"
		at := base.Add(time.Duration(i+1) * time.Second)
		require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
			_, err := engine.ApplyEntry(ctx, tx, e, at)
			return err
		}))
	}

	txs, err := s.ListTransactions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, engine.TxDeposit, txs[0].Kind)
	assert.Equal(t, engine.TxOperationDeduct, txs[1].Kind)
	assert.Equal(t, engine.TxRefund, txs[2].Kind)
	assert.Equal(t, engine.TxCorrection, txs[3].Kind)
	assert.True(t, txs[3].CacheRepair)
	assert.True(t, money("11.5").Equal(txs[3].BalanceAfter), "balance after %s", txs[3].BalanceAfter)

	linked, err := s.ListOperationTransactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, linked, 2)
	assert.True(t, money("-4").Equal(linked[0].Amount))

	rec := engine.Reconcile(engine.Account{ID: "acct-1", Balance: money("11.5")}, txs)
	assert.True(t, money("10").Equal(rec.Expected))
	assert.True(t, money("1.5").Equal(rec.Totals.Repairs))
}

// =============================================================================
// OPERATIONS
// =============================================================================

func testOperationRoundTrip(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "0")

	heartbeat := base.Add(time.Minute)
	expiry := base.Add(2 * time.Minute)
	captcha := base.Add(3 * time.Minute)
	op := engine.Operation{
		ID:         "op-1",
		AccountID:  "acct-1",
		CustomerID: "cust-1",
		Type:       "renewal",
		Amount:     money("19.99"),
		Status:     engine.StatusAwaitingPackage,
		Packages: []engine.Package{
			{ID: "basic", Name: "Basic", Price: money("9.99")},
			{ID: "premium", Name: "Premium", Price: money("19.99")},
		},
		LastHeartbeat:   &heartbeat,
		HeartbeatExpiry: &expiry,
		ResourceID:      "provider-1",
		CreatedAt:       base,
		UpdatedAt:       base,
	}
	insertOperation(t, s, op)

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, op.CustomerID, got.CustomerID)
	assert.Equal(t, op.Status, got.Status)
	assert.Equal(t, op.ResourceID, got.ResourceID)
	assert.True(t, op.Amount.Equal(got.Amount))
	require.Len(t, got.Packages, 2)
	assert.Equal(t, "premium", got.Packages[1].ID)
	assert.True(t, money("19.99").Equal(got.Packages[1].Price))
	require.NotNil(t, got.HeartbeatExpiry)
	assert.True(t, expiry.Equal(*got.HeartbeatExpiry))
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.Corrected)

	// Update every mutable field
	got.Status = engine.StatusAwaitingCaptcha
	got.SelectedPackage = "premium"
	got.CaptchaImage = "data:image/png;base64,AAAA"
	got.CaptchaExpiresAt = &captcha
	got.CaptchaSolution = "x7k2"
	got.Corrected = true
	got.CorrectedAt = &captcha
	got.Result = "ok"
	got.Error = "none"
	got.UpdatedAt = captcha
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		locked, err := tx.LockOperation(ctx, "op-1")
		if err != nil {
			return err
		}
		assert.Equal(t, engine.StatusAwaitingPackage, locked.Status)
		return tx.UpdateOperation(ctx, *got)
	}))

	again, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAwaitingCaptcha, again.Status)
	assert.Equal(t, "premium", again.SelectedPackage)
	assert.Equal(t, "x7k2", again.CaptchaSolution)
	assert.True(t, again.Corrected)
	require.NotNil(t, again.CaptchaExpiresAt)
	assert.True(t, captcha.Equal(*again.CaptchaExpiresAt))
	assert.Equal(t, "ok", again.Result)
}

func testOperationPaging(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "0")
	seedAccount(t, s, "acct-2", "0")
	for i := 0; i < 5; i++ {
		insertOperation(t, s, engine.Operation{
			ID:        engine.OperationID(fmt.Sprintf("op-%d", i)),
			AccountID: "acct-1",
			Type:      "renewal",
			Amount:    decimal.Zero,
			Status:    engine.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base,
		})
	}
	insertOperation(t, s, engine.Operation{ID: "op-other", AccountID: "acct-2", Type: "renewal", Amount: decimal.Zero, Status: engine.StatusPending, CreatedAt: base, UpdatedAt: base})

	all, err := s.ListAccountOperations(ctx, "acct-1", engine.OperationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, engine.OperationID("op-4"), all[0].ID)
	assert.Equal(t, engine.OperationID("op-0"), all[4].ID)

	page, err := s.ListAccountOperations(ctx, "acct-1", engine.OperationFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, engine.OperationID("op-3"), page[0].ID)
	assert.Equal(t, engine.OperationID("op-2"), page[1].ID)

	past, err := s.ListAccountOperations(ctx, "acct-1", engine.OperationFilter{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func testStaleSelection(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "0")

	now := base.Add(time.Hour)
	expired := now.Add(-5 * time.Minute)
	open := now.Add(time.Minute)

	ops := []engine.Operation{
		{ID: "stale-window", Status: engine.StatusAwaitingCaptcha, LastHeartbeat: &expired, HeartbeatExpiry: &expired, CreatedAt: base},
		{ID: "live-window", Status: engine.StatusAwaitingCaptcha, LastHeartbeat: &expired, HeartbeatExpiry: &open, CreatedAt: base},
		{ID: "never-old", Status: engine.StatusAwaitingPackage, CreatedAt: now.Add(-time.Minute)},
		{ID: "never-fresh", Status: engine.StatusAwaitingPackage, CreatedAt: now.Add(-10 * time.Second)},
		{ID: "not-swept", Status: engine.StatusProcessing, HeartbeatExpiry: &expired, CreatedAt: base},
		{ID: "terminal", Status: engine.StatusExpired, HeartbeatExpiry: &expired, CreatedAt: base},
	}
	for _, op := range ops {
		op.AccountID = "acct-1"
		op.Type = "renewal"
		op.Amount = decimal.Zero
		op.UpdatedAt = op.CreatedAt
		insertOperation(t, s, op)
	}

	q := engine.StaleQuery{
		Now:                  now,
		NeverHeartbeatBefore: now.Add(-30 * time.Second),
		Statuses:             engine.SweepStatuses,
	}
	got, err := s.ListStaleOperations(ctx, q)
	require.NoError(t, err)

	var ids []engine.OperationID
	for i := range got {
		assert.True(t, q.Matches(&got[i]), "%s", got[i].ID)
		ids = append(ids, got[i].ID)
	}
	// Oldest first
	assert.Equal(t, []engine.OperationID{"stale-window", "never-old"}, ids)

	q.Limit = 1
	limited, err := s.ListStaleOperations(ctx, q)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, engine.OperationID("stale-window"), limited[0].ID)
}

// =============================================================================
// NOTIFICATIONS & AUDIT
// =============================================================================

func testNotificationsAndAudit(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "0")

	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		for i := 0; i < 3; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			if err := tx.AppendNotification(ctx, engine.Notification{
				ID:        fmt.Sprintf("n-%d", i),
				AccountID: "acct-1",
				Title:     "Operation expired",
				Message:   fmt.Sprintf("message %d", i),
				Severity:  engine.SeverityWarning,
				Link:      "/operations/op-1",
				CreatedAt: at,
			}); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, engine.AuditEntry{
				ID:          fmt.Sprintf("a-%d", i),
				Action:      engine.AuditOperationExpired,
				ActorID:     engine.ActorSweeper,
				AccountID:   "acct-1",
				OperationID: engine.OperationID(fmt.Sprintf("op-%d", i%2)),
				Payload:     map[string]any{"refunded": "15", "index": float64(i)},
				CreatedAt:   at,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	notes, err := s.ListNotifications(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "n-2", notes[0].ID)
	assert.Equal(t, "/operations/op-1", notes[0].Link)
	assert.Equal(t, engine.SeverityWarning, notes[0].Severity)

	entries, err := s.ListAudit(ctx, engine.AuditFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a-2", entries[0].ID)
	assert.Equal(t, "15", entries[0].Payload["refunded"])

	byOp, err := s.ListAudit(ctx, engine.AuditFilter{OperationID: "op-0"})
	require.NoError(t, err)
	assert.Len(t, byOp, 2)
}

func testNotFound(t *testing.T, s engine.Store) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrAccountNotFound), "got %v", err)

	_, err = s.GetOperation(ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrOperationNotFound), "got %v", err)

	err = s.WithTx(ctx, func(tx engine.Tx) error {
		_, err := tx.LockAccount(ctx, "missing")
		return err
	})
	assert.True(t, engine.IsNotFound(err))

	err = s.WithTx(ctx, func(tx engine.Tx) error {
		return tx.UpdateBalance(ctx, "missing", decimal.Zero, base)
	})
	assert.True(t, errors.Is(err, engine.ErrAccountNotFound), "got %v", err)
}

// =============================================================================
// PER-ACCOUNT SERIALIZATION
// =============================================================================

// driftBalance moves the cached balance without a paired transaction.
func driftBalance(t *testing.T, s engine.Store, id engine.AccountID, by string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		a, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, id, a.Balance.Add(money(by)), base)
	}))
}

func testConcurrentCorrections(t *testing.T, s engine.Store) {
	// GIVEN: a 100.00 account whose cache drifted up by 30.00
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "100")
	driftBalance(t, s, "acct-1", "30")

	logger := arbor.NewLogger()
	corrector := engine.NewCorrector(s, logger, nil)
	ledger := engine.NewLedger(s, logger)

	// WHEN: corrections and withdrawals race on the account
	const correctors, withdrawals = 8, 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < correctors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := corrector.Correct(ctx, engine.CorrectionRequest{
				AccountID: "acct-1",
				Kind:      engine.CorrectionBalanceMismatch,
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.Applied() {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < withdrawals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Withdraw(ctx, "acct-1", money("10"), "payout", "acct-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: the excess was removed exactly once and the cache is on the log
	assert.Equal(t, 1, applied)
	txs, err := s.ListTransactions(ctx, "acct-1")
	require.NoError(t, err)
	corrections := 0
	for _, tx := range txs {
		if tx.Kind == engine.TxCorrection {
			corrections++
			assert.True(t, money("-30").Equal(tx.Amount), "correction %s", tx.Amount)
		}
	}
	assert.Equal(t, 1, corrections)
	assert.Len(t, txs, 1+withdrawals+1)

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, money("50").Equal(a.Balance), "balance %s", a.Balance)
	rec := engine.Reconcile(*a, txs)
	assert.True(t, rec.IsValid, "discrepancy %s", rec.Discrepancy)
}

func testConcurrentCancels(t *testing.T, s engine.Store) {
	// GIVEN: a 20.00 operation reserved against a 50.00 account
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "50")
	ops := engine.NewOperations(s, arbor.NewLogger())
	owner := engine.Caller{ID: "acct-1"}
	op, err := ops.Create(ctx, engine.CreateRequest{AccountID: "acct-1", Type: "renewal", Amount: money("20")}, owner)
	require.NoError(t, err)

	// WHEN: the owner cancels it several times at once
	const cancels = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		noops int
	)
	for i := 0; i < cancels; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ops.Cancel(ctx, op.ID, owner)
			if !assert.NoError(t, err) {
				return
			}
			if res.Noop {
				mu.Lock()
				noops++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: one cancel refunded, the rest observed the terminal status
	assert.Equal(t, cancels-1, noops)
	linked, err := s.ListOperationTransactions(ctx, op.ID)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range linked {
		if tx.Kind == engine.TxRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, money("50").Equal(a.Balance), "balance %s", a.Balance)
}
