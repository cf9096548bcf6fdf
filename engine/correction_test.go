package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/operation-ledger/engine"
)

func correct(f *fixture, acct engine.AccountID, kind engine.CorrectionKind, op engine.OperationID) *engine.CorrectionResult {
	f.t.Helper()
	res, err := f.corrector.Correct(f.ctx, engine.CorrectionRequest{
		AccountID:   acct,
		Kind:        kind,
		OperationID: op,
		Actor:       "admin:ops",
	})
	require.NoError(f.t, err)
	return res
}

func transactionCount(f *fixture, acct engine.AccountID) int {
	f.t.Helper()
	txs, err := f.ledger.Transactions(f.ctx, acct)
	require.NoError(f.t, err)
	return len(txs)
}

// =============================================================================
// CLEAN ACCOUNT
// =============================================================================

func TestCorrect_CleanAccountIsNoopForEveryKind(t *testing.T) {
	// GIVEN: balance 100.00 fully explained by the log
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	op := f.create(acct, 0, "")
	rec := f.reconcile(acct)
	require.True(t, rec.IsValid)
	before := transactionCount(f, acct)

	// WHEN: every kind is requested
	kinds := []engine.CorrectionKind{
		engine.CorrectionInitializeBalance,
		engine.CorrectionAddMissing,
		engine.CorrectionBalanceMismatch,
		engine.CorrectionDoubleRefund,
		engine.CorrectionOverRefund,
	}
	for _, kind := range kinds {
		res := correct(f, acct, kind, op.ID)

		// THEN: nothing is written
		assert.Equal(t, engine.OutcomeNoop, res.Outcome, "%s", kind)
		assert.False(t, res.Applied(), "%s", kind)
		assert.NotEmpty(t, res.Message, "%s", kind)
	}
	requireMoney(t, 100, f.balance(acct))
	assert.Equal(t, before, transactionCount(f, acct))
	assert.False(t, f.operation(op.ID).Corrected)
	assert.Empty(t, f.sink.Sent())
}

// =============================================================================
// REFUND CORRECTIONS
// =============================================================================

// doubleRefunded builds an operation of 20.00 refunded twice, with the cached
// balance holding both refunds.
func doubleRefunded(f *fixture) (engine.AccountID, engine.OperationID) {
	f.t.Helper()
	acct := f.account("acct-1", 100)
	op := f.create(acct, 20, "")
	f.advance(op.ID, engine.StatusAwaitingPackage)
	_, err := f.ops.Cancel(f.ctx, op.ID, owner(acct))
	require.NoError(f.t, err)

	f.injectRefund(acct, op.ID, 20)
	require.NoError(f.t, f.store.SetBalance(acct, engine.Money(120)))
	return acct, op.ID
}

func TestCorrect_DoubleRefund(t *testing.T) {
	// GIVEN: two 20.00 refunds for a 20.00 operation
	f := newFixture(t)
	acct, opID := doubleRefunded(f)

	report, err := f.auditor.Audit(f.ctx, acct)
	require.NoError(t, err)
	require.Len(t, report.Anomalies.DoubleRefunds, 1)
	assert.Equal(t, opID, report.Anomalies.DoubleRefunds[0].OperationID)
	assert.Equal(t, 2, report.Anomalies.DoubleRefunds[0].Count)

	// WHEN: the double refund is corrected
	res := correct(f, acct, engine.CorrectionDoubleRefund, opID)

	// THEN: 20.00 is taken back and the operation is flagged
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, -20, res.Amount)
	requireMoney(t, 100, res.NewBalance)
	assert.False(t, res.Capped)
	assert.NotEmpty(t, res.TransactionID)

	op := f.operation(opID)
	assert.True(t, op.Corrected)
	require.NotNil(t, op.CorrectedAt)
	requireMoney(t, 100, f.balance(acct))
	assert.True(t, f.reconcile(acct).IsValid)

	// AND: the correction references the operation and is audited
	txs, err := f.store.ListOperationTransactions(f.ctx, opID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, engine.TxCorrection, last.Kind)
	assert.False(t, last.CacheRepair)
	assert.Equal(t, "admin:ops", last.CreatedBy)

	entries, err := f.store.ListAudit(f.ctx, engine.AuditFilter{OperationID: opID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, engine.AuditCorrectionApplied, entries[0].Action)

	// AND: the anomaly is gone and a repeat is refused
	report, err = f.auditor.Audit(f.ctx, acct)
	require.NoError(t, err)
	assert.False(t, report.Anomalies.HasAnomalies())

	again := correct(f, acct, engine.CorrectionDoubleRefund, opID)
	assert.Equal(t, engine.OutcomeAlreadyCorrected, again.Outcome)
	over := correct(f, acct, engine.CorrectionOverRefund, opID)
	assert.Equal(t, engine.OutcomeAlreadyCorrected, over.Outcome)
	requireMoney(t, 100, f.balance(acct))
}

func TestCorrect_RefundCappedAtBalanceStaysOutstanding(t *testing.T) {
	// GIVEN: a double refund of 20.00 on a consistent ledger, after which the
	// owner legitimately withdrew most of the money
	f := newFixture(t)
	acct, opID := doubleRefunded(f)
	_, err := f.ledger.Withdraw(f.ctx, acct, engine.Money(115), "payout", "acct-1")
	require.NoError(t, err)
	requireMoney(t, 5, f.balance(acct))

	// WHEN: the excess refund is corrected
	res := correct(f, acct, engine.CorrectionOverRefund, opID)

	// THEN: only the balance is taken back and the operation stays open
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, -5, res.Amount)
	assert.True(t, res.Capped)
	requireMoney(t, 15, res.Shortfall)
	assert.Contains(t, res.Message, "outstanding")
	assert.True(t, f.balance(acct).IsZero())
	assert.False(t, f.operation(opID).Corrected)

	sent := f.sink.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, engine.SeverityWarning, sent[len(sent)-1].Severity)

	// AND: the audit still reports what is owed
	report, err := f.auditor.Audit(f.ctx, acct)
	require.NoError(t, err)
	assert.True(t, report.Reconciliation.IsValid)
	require.Len(t, report.Anomalies.OverRefunds, 1)
	over := report.Anomalies.OverRefunds[0]
	requireMoney(t, 5, over.Reversed)
	requireMoney(t, 15, over.Outstanding())
	assert.Len(t, report.Anomalies.DoubleRefunds, 1)

	// WHEN: money arrives and the correction is retried
	_, err = f.ledger.Deposit(f.ctx, acct, engine.Money(30), "top-up", engine.ActorAdmin)
	require.NoError(t, err)
	res = correct(f, acct, engine.CorrectionDoubleRefund, opID)

	// THEN: the remainder is reversed and the operation is closed
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, -15, res.Amount)
	assert.False(t, res.Capped)
	requireMoney(t, 15, f.balance(acct))
	assert.True(t, f.operation(opID).Corrected)

	report, err = f.auditor.Audit(f.ctx, acct)
	require.NoError(t, err)
	assert.True(t, report.Reconciliation.IsValid)
	assert.False(t, report.Anomalies.HasAnomalies())

	again := correct(f, acct, engine.CorrectionOverRefund, opID)
	assert.Equal(t, engine.OutcomeAlreadyCorrected, again.Outcome)
}

func TestCorrect_RefundFromZeroBalanceStaysOpen(t *testing.T) {
	f := newFixture(t)
	acct, opID := doubleRefunded(f)
	require.NoError(t, f.store.SetBalance(acct, engine.Money(0)))
	before := transactionCount(f, acct)

	res := correct(f, acct, engine.CorrectionDoubleRefund, opID)

	assert.Equal(t, engine.OutcomeNoop, res.Outcome)
	assert.True(t, res.Capped)
	requireMoney(t, 20, res.Shortfall)
	assert.False(t, f.operation(opID).Corrected)
	assert.Equal(t, before, transactionCount(f, acct))
}

func TestCorrect_SingleRefundIsNoop(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 50)
	op := f.create(acct, 20, "")
	_, err := f.ops.Cancel(f.ctx, op.ID, owner(acct))
	require.NoError(t, err)

	res := correct(f, acct, engine.CorrectionDoubleRefund, op.ID)
	assert.Equal(t, engine.OutcomeNoop, res.Outcome)
	assert.False(t, f.operation(op.ID).Corrected)
}

func TestCorrect_ForeignOperation(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 50)
	other := f.account("acct-2", 50)
	op := f.create(other, 20, "")

	_, err := f.corrector.Correct(f.ctx, engine.CorrectionRequest{
		AccountID:   acct,
		Kind:        engine.CorrectionDoubleRefund,
		OperationID: op.ID,
	})
	assert.True(t, errors.Is(err, engine.ErrNotOwner))
	assert.True(t, engine.IsNotFound(err))
}

func TestCorrect_RequestValidation(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 50)

	_, err := f.corrector.Correct(f.ctx, engine.CorrectionRequest{AccountID: acct, Kind: "SHRUG"})
	assert.True(t, errors.Is(err, engine.ErrUnknownCorrectionKind))

	_, err = f.corrector.Correct(f.ctx, engine.CorrectionRequest{AccountID: acct, Kind: engine.CorrectionOverRefund})
	assert.True(t, errors.Is(err, engine.ErrOperationIDRequired))

	_, err = f.corrector.Correct(f.ctx, engine.CorrectionRequest{AccountID: "missing", Kind: engine.CorrectionAddMissing})
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// BALANCE CORRECTIONS
// =============================================================================

func TestCorrect_InitializeBalance(t *testing.T) {
	// GIVEN: actual 120.00 against a ledger of 100.00
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	require.NoError(t, f.store.SetBalance(acct, engine.Money(120)))
	rec := f.reconcile(acct)
	requireMoney(t, 20, rec.Discrepancy)

	// WHEN: the opening balance is recorded
	res := correct(f, acct, engine.CorrectionInitializeBalance, "")

	// THEN: a 20.00 deposit explains the cache, which does not move
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, 20, res.Amount)
	requireMoney(t, 20, res.Discrepancy)
	requireMoney(t, 120, res.NewBalance)
	requireMoney(t, 120, f.balance(acct))

	rec = f.reconcile(acct)
	assert.True(t, rec.IsValid)
	requireMoney(t, 120, rec.Expected)
	requireMoney(t, 120, rec.Totals.Deposits)

	// AND: a repeat finds nothing to do
	again := correct(f, acct, engine.CorrectionInitializeBalance, "")
	assert.Equal(t, engine.OutcomeNoop, again.Outcome)
}

func TestCorrect_AddMissing(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	require.NoError(t, f.store.SetBalance(acct, engine.Money(70)))

	// The other kinds point at ADD_MISSING
	init := correct(f, acct, engine.CorrectionInitializeBalance, "")
	assert.Equal(t, engine.OutcomeNoop, init.Outcome)
	assert.Contains(t, init.Message, "ADD_MISSING")
	mismatch := correct(f, acct, engine.CorrectionBalanceMismatch, "")
	assert.Equal(t, engine.OutcomeRejected, mismatch.Outcome)
	assert.Contains(t, mismatch.Message, "ADD_MISSING")

	res := correct(f, acct, engine.CorrectionAddMissing, "")
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, 30, res.Amount)
	requireMoney(t, 100, f.balance(acct))

	rec := f.reconcile(acct)
	assert.True(t, rec.IsValid)
	requireMoney(t, 30, rec.Totals.Repairs)

	again := correct(f, acct, engine.CorrectionAddMissing, "")
	assert.Equal(t, engine.OutcomeNoop, again.Outcome)
}

func TestCorrect_BalanceMismatch(t *testing.T) {
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	require.NoError(t, f.store.SetBalance(acct, engine.Money(130)))

	res := correct(f, acct, engine.CorrectionBalanceMismatch, "")

	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, -30, res.Amount)
	assert.False(t, res.Capped)
	requireMoney(t, 100, f.balance(acct))
	assert.True(t, f.reconcile(acct).IsValid)
}

func TestCorrect_BalanceMismatchCappedAtZero(t *testing.T) {
	// GIVEN: a log that explains less than nothing; discrepancy 150.00 on 100.00
	f := newFixture(t)
	acct := f.account("acct-1", 100)
	f.store.InjectTransaction(engine.Transaction{
		ID:        "legacy-withdraw",
		AccountID: acct,
		Amount:    engine.Money(-150),
		Kind:      engine.TxWithdraw,
		CreatedAt: t0,
	})

	// WHEN: the mismatch is corrected
	res := correct(f, acct, engine.CorrectionBalanceMismatch, "")

	// THEN: the deduction stops at zero and the rest is surfaced
	assert.Equal(t, engine.OutcomeApplied, res.Outcome)
	requireMoney(t, -100, res.Amount)
	assert.True(t, res.Capped)
	requireMoney(t, 50, res.Shortfall)
	assert.True(t, f.balance(acct).IsZero())

	rec := f.reconcile(acct)
	assert.False(t, rec.IsValid)
	requireMoney(t, 50, rec.Discrepancy)

	// AND: from a zero balance nothing more can be taken
	again := correct(f, acct, engine.CorrectionBalanceMismatch, "")
	assert.Equal(t, engine.OutcomeNoop, again.Outcome)
	assert.True(t, again.Capped)
	requireMoney(t, 50, again.Shortfall)
	assert.True(t, f.balance(acct).IsZero())
}
