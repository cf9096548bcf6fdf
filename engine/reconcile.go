/*
reconcile.go - Expected balance from the transaction log

PURPOSE:
  The cached Account.Balance exists for fast reads. This file answers "what
  SHOULD the balance be?" by replaying the log:

    expected = Σ DEPOSIT − Σ |OPERATION_DEDUCT| + Σ REFUND − Σ |WITHDRAW| + Σ CORRECTION

  Deductions and withdrawals are taken as absolute values so the formula is
  insensitive to how a legacy writer signed them.

  CORRECTION entries flagged CacheRepair are excluded: they record a write
  that moved the cached balance onto this very sum, so counting them would
  re-open the discrepancy they closed. They are totalled in Repairs.

  discrepancy = actual − expected
  isValid     = |discrepancy| < Epsilon

  A positive discrepancy means the account holds more than the ledger
  explains; a negative one means it holds less.
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// LedgerTotals are the per-kind sums behind an expected balance.
type LedgerTotals struct {
	Deposits    decimal.Decimal
	Deducted    decimal.Decimal
	Refunded    decimal.Decimal
	Withdrawn   decimal.Decimal
	Corrections decimal.Decimal
	Repairs     decimal.Decimal
}

type Reconciliation struct {
	AccountID        AccountID
	Actual           decimal.Decimal
	Expected         decimal.Decimal
	Discrepancy      decimal.Decimal
	IsValid          bool
	Totals           LedgerTotals
	TransactionCount int
}

// ExpectedBalance replays txs. It is pure and order-independent.
func ExpectedBalance(txs []Transaction) (decimal.Decimal, LedgerTotals) {
	totals := LedgerTotals{
		Deposits:    decimal.Zero,
		Deducted:    decimal.Zero,
		Refunded:    decimal.Zero,
		Withdrawn:   decimal.Zero,
		Corrections: decimal.Zero,
		Repairs:     decimal.Zero,
	}
	for _, t := range txs {
		switch t.Kind {
		case TxDeposit:
			totals.Deposits = totals.Deposits.Add(t.Amount)
		case TxOperationDeduct:
			totals.Deducted = totals.Deducted.Add(t.Amount.Abs())
		case TxRefund:
			totals.Refunded = totals.Refunded.Add(t.Amount)
		case TxWithdraw:
			totals.Withdrawn = totals.Withdrawn.Add(t.Amount.Abs())
		case TxCorrection:
			if t.CacheRepair {
				totals.Repairs = totals.Repairs.Add(t.Amount)
				continue
			}
			totals.Corrections = totals.Corrections.Add(t.Amount)
		}
	}
	expected := totals.Deposits.
		Sub(totals.Deducted).
		Add(totals.Refunded).
		Sub(totals.Withdrawn).
		Add(totals.Corrections)
	return expected, totals
}

// WithinEpsilon reports whether d is small enough to count as zero.
func WithinEpsilon(d decimal.Decimal) bool {
	return d.Abs().LessThan(Epsilon)
}

// Reconcile compares the cached balance against the replayed log.
func Reconcile(account Account, txs []Transaction) Reconciliation {
	expected, totals := ExpectedBalance(txs)
	discrepancy := account.Balance.Sub(expected)
	return Reconciliation{
		AccountID:        account.ID,
		Actual:           account.Balance,
		Expected:         expected,
		Discrepancy:      discrepancy,
		IsValid:          WithinEpsilon(discrepancy),
		Totals:           totals,
		TransactionCount: len(txs),
	}
}

// Reconcile loads the account and its log and compares them.
func (l *Ledger) Reconcile(ctx context.Context, id AccountID) (*Reconciliation, error) {
	account, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := l.Store.ListTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	r := Reconcile(*account, txs)
	return &r, nil
}
