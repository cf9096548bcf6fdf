package engine_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/operation-ledger/engine"
)

// =============================================================================
// LEDGER - paired balance and log writes
// =============================================================================

func TestLedger_DepositWithdrawKeepsCacheOnLog(t *testing.T) {
	// GIVEN: a funded account
	f := newFixture(t)
	acct := f.account("acct-1", 100)

	// WHEN: money moves in and out, including an operation and its refund
	_, err := f.ledger.Withdraw(f.ctx, acct, engine.Money(30), "payout", engine.ActorAdmin)
	require.NoError(t, err)
	op := f.create(acct, 25, "")
	_, err = f.ops.Cancel(f.ctx, op.ID, owner(acct))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(f.ctx, acct, decimal.RequireFromString("12.34"), "top-up", engine.ActorAdmin)
	require.NoError(t, err)

	// THEN: the cached balance equals the replayed log
	requireMoney(t, 82.34, f.balance(acct))
	rec := f.reconcile(acct)
	assert.True(t, rec.IsValid)
	requireMoney(t, 82.34, rec.Expected)
	assert.Equal(t, 5, rec.TransactionCount)

	// AND: every entry carries the balance after it, ending on the cache
	txs, err := f.ledger.Transactions(f.ctx, acct)
	require.NoError(t, err)
	running := engine.Money(0)
	for _, tx := range txs {
		running = running.Add(tx.Amount)
		assert.True(t, running.Equal(tx.BalanceAfter), "%s balance after", tx.Kind)
	}
	assert.True(t, txs[len(txs)-1].BalanceAfter.Equal(f.balance(acct)))
}

func TestLedger_WithdrawNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 10)

	_, err := f.ledger.Withdraw(f.ctx, acct, engine.Money(10.01), "too much", engine.ActorAdmin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInsufficientBalance))

	var ie *engine.InsufficientBalanceError
	require.True(t, errors.As(err, &ie))
	requireMoney(t, 10, ie.Available)
	requireMoney(t, 10.01, ie.Requested)

	// Nothing was written
	requireMoney(t, 10, f.balance(acct))
	txs, err := f.ledger.Transactions(f.ctx, acct)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Draining to exactly zero is allowed
	_, err = f.ledger.Withdraw(f.ctx, acct, engine.Money(10), "all of it", engine.ActorAdmin)
	require.NoError(t, err)
	assert.True(t, f.balance(acct).IsZero())
}

func TestLedger_RejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 10)

	for _, amount := range []float64{0, -5} {
		_, err := f.ledger.Deposit(f.ctx, acct, engine.Money(amount), "", engine.ActorAdmin)
		assert.True(t, errors.Is(err, engine.ErrInvalidAmount), "deposit %v", amount)

		_, err = f.ledger.Withdraw(f.ctx, acct, engine.Money(amount), "", engine.ActorAdmin)
		assert.True(t, errors.Is(err, engine.ErrInvalidAmount), "withdraw %v", amount)
	}
}

func TestLedger_RejectsSubCentAmounts(t *testing.T) {
	// GIVEN: an account at 0.00
	f := newFixture(t)
	acct := f.account("acct-1", 0)
	half := decimal.RequireFromString("0.005")

	// WHEN: amounts finer than a cent are applied
	_, err := f.ledger.Deposit(f.ctx, acct, half, "", engine.ActorAdmin)
	assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
	_, err = f.ledger.Withdraw(f.ctx, acct, half, "", engine.ActorAdmin)
	assert.True(t, errors.Is(err, engine.ErrInvalidAmount))

	// THEN: nothing was written, and trailing zeros are still accepted
	assert.Equal(t, 0, transactionCount(f, acct))
	_, err = f.ledger.Deposit(f.ctx, acct, decimal.RequireFromString("1.500"), "", engine.ActorAdmin)
	require.NoError(t, err)
	requireMoney(t, 1.5, f.balance(acct))
	assert.True(t, f.reconcile(acct).IsValid)
}

func TestLedger_AccountLifecycle(t *testing.T) {
	f := newFixture(t)

	a, err := f.ledger.CreateAccount(f.ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.Balance.IsZero())

	_, err = f.ledger.CreateAccount(f.ctx, a.ID)
	assert.True(t, errors.Is(err, engine.ErrDuplicateAccount))
	assert.True(t, engine.IsConflict(err))

	_, err = f.ledger.Account(f.ctx, "missing")
	assert.True(t, engine.IsNotFound(err))

	_, err = f.ledger.Transactions(f.ctx, "missing")
	assert.True(t, engine.IsNotFound(err))

	_, err = f.ledger.Deposit(f.ctx, "missing", engine.Money(5), "", engine.ActorAdmin)
	assert.True(t, engine.IsNotFound(err))
}

func TestLedger_DepositWritesAudit(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 40)

	entries, err := f.store.ListAudit(f.ctx, engine.AuditFilter{AccountID: acct})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.AuditDeposit, entries[0].Action)
	assert.Equal(t, "40", entries[0].Payload["amount"])
}

// =============================================================================
// EXPECTED BALANCE - pure replay
// =============================================================================

func TestExpectedBalance_FormulaAndOrderIndependence(t *testing.T) {
	txs := []engine.Transaction{
		{Kind: engine.TxDeposit, Amount: engine.Money(100)},
		{Kind: engine.TxOperationDeduct, Amount: engine.Money(-20)},
		{Kind: engine.TxRefund, Amount: engine.Money(20)},
		{Kind: engine.TxWithdraw, Amount: engine.Money(-15)},
		{Kind: engine.TxCorrection, Amount: engine.Money(-5)},
	}

	expected, totals := engine.ExpectedBalance(txs)
	requireMoney(t, 80, expected)
	requireMoney(t, 100, totals.Deposits)
	requireMoney(t, 20, totals.Deducted)
	requireMoney(t, 20, totals.Refunded)
	requireMoney(t, 15, totals.Withdrawn)
	requireMoney(t, -5, totals.Corrections)

	reversed := make([]engine.Transaction, len(txs))
	for i := range txs {
		reversed[len(txs)-1-i] = txs[i]
	}
	again, _ := engine.ExpectedBalance(reversed)
	assert.True(t, expected.Equal(again))
}

func TestExpectedBalance_LegacyPositiveDeductions(t *testing.T) {
	// Deductions and withdrawals count by absolute value whatever their sign.
	txs := []engine.Transaction{
		{Kind: engine.TxDeposit, Amount: engine.Money(50)},
		{Kind: engine.TxOperationDeduct, Amount: engine.Money(10)},
		{Kind: engine.TxWithdraw, Amount: engine.Money(5)},
	}
	expected, _ := engine.ExpectedBalance(txs)
	requireMoney(t, 35, expected)
}

func TestExpectedBalance_ExcludesCacheRepairs(t *testing.T) {
	txs := []engine.Transaction{
		{Kind: engine.TxDeposit, Amount: engine.Money(50)},
		{Kind: engine.TxCorrection, Amount: engine.Money(7), CacheRepair: true},
		{Kind: engine.TxCorrection, Amount: engine.Money(-3)},
	}
	expected, totals := engine.ExpectedBalance(txs)
	requireMoney(t, 47, expected)
	requireMoney(t, 7, totals.Repairs)
	requireMoney(t, -3, totals.Corrections)
}

func TestReconcile_Epsilon(t *testing.T) {
	txs := []engine.Transaction{{Kind: engine.TxDeposit, Amount: engine.Money(10)}}

	within := engine.Reconcile(engine.Account{ID: "a", Balance: decimal.RequireFromString("10.009")}, txs)
	assert.True(t, within.IsValid)

	outside := engine.Reconcile(engine.Account{ID: "a", Balance: decimal.RequireFromString("10.01")}, txs)
	assert.False(t, outside.IsValid)
	requireMoney(t, 0.01, outside.Discrepancy)

	below := engine.Reconcile(engine.Account{ID: "a", Balance: engine.Money(4)}, txs)
	assert.False(t, below.IsValid)
	requireMoney(t, -6, below.Discrepancy)
}

func TestApplyEntry_ValidatesSigns(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 10)

	cases := []struct {
		name  string
		entry engine.Entry
	}{
		{"negative deposit", engine.Entry{Kind: engine.TxDeposit, Amount: engine.Money(-1)}},
		{"positive deduct", engine.Entry{Kind: engine.TxOperationDeduct, Amount: engine.Money(1)}},
		{"zero refund", engine.Entry{Kind: engine.TxRefund, Amount: engine.Money(0)}},
		{"positive withdraw", engine.Entry{Kind: engine.TxWithdraw, Amount: engine.Money(1)}},
		{"zero correction", engine.Entry{Kind: engine.TxCorrection, Amount: engine.Money(0)}},
		{"opening refund", engine.Entry{Kind: engine.TxRefund, Amount: engine.Money(1), Opening: true}},
		{"repairing deposit", engine.Entry{Kind: engine.TxDeposit, Amount: engine.Money(1), CacheRepair: true}},
		{"unknown kind", engine.Entry{Kind: "BONUS", Amount: engine.Money(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.entry.AccountID = acct
			err := f.store.WithTx(f.ctx, func(tx engine.Tx) error {
				_, err := engine.ApplyEntry(f.ctx, tx, tc.entry, f.clock.Now())
				return err
			})
			assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
		})
	}
	requireMoney(t, 10, f.balance(acct))
}

func TestApplyEntry_OpeningLeavesCacheUnchanged(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 10)

	var applied *engine.Transaction
	require.NoError(t, f.store.WithTx(f.ctx, func(tx engine.Tx) error {
		var err error
		applied, err = engine.ApplyEntry(f.ctx, tx, engine.Entry{
			AccountID: acct,
			Kind:      engine.TxDeposit,
			Amount:    engine.Money(5),
			Opening:   true,
		}, f.clock.Now())
		return err
	}))

	requireMoney(t, 10, f.balance(acct))
	requireMoney(t, 10, applied.BalanceAfter)
}
