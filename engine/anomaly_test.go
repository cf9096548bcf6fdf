package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/operation-ledger/engine"
)

// =============================================================================
// ANOMALY DETECTION
// =============================================================================

func TestDetectAnomalies_CleanAccount(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	op := f.create(acct, 20, "")
	_, err := f.ops.Cancel(f.ctx, op.ID, owner(acct))
	require.NoError(t, err)

	report, err := f.auditor.Audit(f.ctx, acct)
	require.NoError(t, err)
	assert.True(t, report.Reconciliation.IsValid)
	assert.False(t, report.Anomalies.HasAnomalies())
	assert.Nil(t, report.Anomalies.Discrepancy)
}

func TestDetectAnomalies_Kinds(t *testing.T) {
	account := engine.Account{ID: "acct-1", Balance: engine.Money(100)}
	ops := []engine.Operation{
		{ID: "op-double", AccountID: "acct-1", Amount: engine.Money(20)},
		{ID: "op-over", AccountID: "acct-1", Amount: engine.Money(10)},
		{ID: "op-phantom", AccountID: "acct-1"},
		{ID: "op-fixed", AccountID: "acct-1", Amount: engine.Money(5), Corrected: true},
	}
	txs := []engine.Transaction{
		{Kind: engine.TxDeposit, Amount: engine.Money(100)},
		{Kind: engine.TxRefund, OperationID: "op-double", Amount: engine.Money(20)},
		{Kind: engine.TxRefund, OperationID: "op-double", Amount: engine.Money(20)},
		{Kind: engine.TxRefund, OperationID: "op-over", Amount: engine.Money(12.5)},
		{Kind: engine.TxRefund, OperationID: "op-phantom", Amount: engine.Money(3)},
		{Kind: engine.TxRefund, OperationID: "op-fixed", Amount: engine.Money(5)},
		{Kind: engine.TxRefund, OperationID: "op-fixed", Amount: engine.Money(5)},
	}

	report := engine.DetectAnomalies(account, txs, ops)

	require.Len(t, report.DoubleRefunds, 1)
	assert.Equal(t, engine.OperationID("op-double"), report.DoubleRefunds[0].OperationID)
	assert.Equal(t, 2, report.DoubleRefunds[0].Count)
	requireMoney(t, 40, report.DoubleRefunds[0].Total)

	// op-double is over-refunded too; op-over only over-refunded
	require.Len(t, report.OverRefunds, 2)
	assert.Equal(t, engine.OperationID("op-double"), report.OverRefunds[0].OperationID)
	assert.Equal(t, engine.OperationID("op-over"), report.OverRefunds[1].OperationID)
	requireMoney(t, 12.5, report.OverRefunds[1].Refunded)
	requireMoney(t, 10, report.OverRefunds[1].Expected)

	require.Len(t, report.PhantomRefunds, 1)
	assert.Equal(t, engine.OperationID("op-phantom"), report.PhantomRefunds[0].OperationID)

	// Ledger: 100 + 20 + 20 + 12.5 + 3 + 5 + 5 = 165.5 against a cache of 100
	require.NotNil(t, report.Discrepancy)
	requireMoney(t, -65.5, *report.Discrepancy)

	kinds := make(map[engine.AnomalyKind]int)
	for _, a := range report.Anomalies {
		assert.Equal(t, engine.SeverityHigh, a.Severity)
		assert.NotEmpty(t, a.Description)
		kinds[a.Kind]++
	}
	assert.Equal(t, map[engine.AnomalyKind]int{
		engine.AnomalyDoubleRefund:    1,
		engine.AnomalyOverRefund:      2,
		engine.AnomalyPhantomRefund:   1,
		engine.AnomalyBalanceMismatch: 1,
	}, kinds)
}

func TestDetectAnomalies_RefundForUnknownOperation(t *testing.T) {
	// Refunds pointing at an operation the account does not list still count
	// as doubles, but cannot be compared to an amount.
	account := engine.Account{ID: "acct-1", Balance: engine.Money(10)}
	txs := []engine.Transaction{
		{Kind: engine.TxRefund, OperationID: "op-gone", Amount: engine.Money(5)},
		{Kind: engine.TxRefund, OperationID: "op-gone", Amount: engine.Money(5)},
	}

	report := engine.DetectAnomalies(account, txs, nil)
	assert.Len(t, report.DoubleRefunds, 1)
	assert.Empty(t, report.OverRefunds)
	assert.Empty(t, report.PhantomRefunds)
	assert.Nil(t, report.Discrepancy)
}

func TestAudit_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.auditor.Audit(f.ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestDetectAnomalies_ReversalsNetOutOverRefund(t *testing.T) {
	account := engine.Account{ID: "acct-1", Balance: engine.Money(35)}
	ops := []engine.Operation{{ID: "op-1", AccountID: "acct-1", Amount: engine.Money(20)}}
	txs := []engine.Transaction{
		{Kind: engine.TxDeposit, Amount: engine.Money(20)},
		{Kind: engine.TxRefund, OperationID: "op-1", Amount: engine.Money(20)},
		{Kind: engine.TxRefund, OperationID: "op-1", Amount: engine.Money(20)},
		{Kind: engine.TxCorrection, OperationID: "op-1", Amount: engine.Money(-5)},
		// Cache repairs are not reversals even when they name the operation
		{Kind: engine.TxCorrection, OperationID: "op-1", Amount: engine.Money(-1), CacheRepair: true},
	}

	report := engine.DetectAnomalies(account, txs, ops)
	require.Len(t, report.OverRefunds, 1)
	requireMoney(t, 40, report.OverRefunds[0].Refunded)
	requireMoney(t, 5, report.OverRefunds[0].Reversed)
	requireMoney(t, 15, report.OverRefunds[0].Outstanding())

	// A full reversal leaves only the double-refund record
	txs = append(txs, engine.Transaction{Kind: engine.TxCorrection, OperationID: "op-1", Amount: engine.Money(-15)})
	account.Balance = engine.Money(20)
	report = engine.DetectAnomalies(account, txs, ops)
	assert.Empty(t, report.OverRefunds)
	assert.Len(t, report.DoubleRefunds, 1)
}
