/*
anomaly.go - Read-only detection of unrecovered or double-paid money

DETECTED KINDS (all reported at high severity):
  DOUBLE_REFUND    more than one REFUND references the same operation
  OVER_REFUND      refunds for a charged operation sum above its amount
  PHANTOM_REFUND   refunds exist for an operation that was never charged
  BALANCE_MISMATCH cached balance differs from the replayed log

  Operations already flagged Corrected are excluded from the per-operation
  kinds. Refund totals are netted against reversal CORRECTIONs that reference
  the operation, so a partially reversed operation keeps reporting what is
  still owed. Detection never writes; fixing requires an explicit Correct call.
*/
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type AnomalyKind string

const (
	AnomalyDoubleRefund    AnomalyKind = "DOUBLE_REFUND"
	AnomalyOverRefund      AnomalyKind = "OVER_REFUND"
	AnomalyPhantomRefund   AnomalyKind = "PHANTOM_REFUND"
	AnomalyBalanceMismatch AnomalyKind = "BALANCE_MISMATCH"
)

type DoubleRefund struct {
	OperationID OperationID
	Count       int
	Total       decimal.Decimal
}

type OverRefund struct {
	OperationID OperationID
	Refunded    decimal.Decimal // gross refunds
	Reversed    decimal.Decimal // already taken back by corrections
	Expected    decimal.Decimal
}

// Outstanding is the excess still held by the account.
func (o OverRefund) Outstanding() decimal.Decimal {
	return o.Refunded.Sub(o.Reversed).Sub(o.Expected)
}

type PhantomRefund struct {
	OperationID OperationID
	Refunded    decimal.Decimal
}

// Anomaly is the flattened, display-ready form of any detected kind.
type Anomaly struct {
	Kind        AnomalyKind
	Severity    Severity
	OperationID OperationID
	Amount      decimal.Decimal
	Description string
}

type AnomalyReport struct {
	AccountID      AccountID
	DoubleRefunds  []DoubleRefund
	OverRefunds    []OverRefund
	PhantomRefunds []PhantomRefund

	// Discrepancy is set only when the balance does not reconcile.
	Discrepancy *decimal.Decimal

	Anomalies []Anomaly
}

func (r AnomalyReport) HasAnomalies() bool { return len(r.Anomalies) > 0 }

type refundGroup struct {
	count    int
	total    decimal.Decimal
	reversed decimal.Decimal
}

func (g *refundGroup) net() decimal.Decimal { return g.total.Sub(g.reversed) }

// isReversal reports whether t takes back part of a refund for its operation.
func isReversal(t Transaction) bool {
	return t.Kind == TxCorrection && !t.CacheRepair && t.OperationID != "" && t.Amount.IsNegative()
}

// refundPosition sums refunds and reversal corrections linked to one operation.
func refundPosition(txs []Transaction, id OperationID) refundGroup {
	g := refundGroup{total: decimal.Zero, reversed: decimal.Zero}
	for _, t := range txs {
		if t.OperationID != id {
			continue
		}
		switch {
		case t.Kind == TxRefund:
			g.count++
			g.total = g.total.Add(t.Amount)
		case isReversal(t):
			g.reversed = g.reversed.Add(t.Amount.Neg())
		}
	}
	return g
}

// DetectAnomalies inspects an account's log and operations.
func DetectAnomalies(account Account, txs []Transaction, ops []Operation) AnomalyReport {
	report := AnomalyReport{AccountID: account.ID}

	byID := make(map[OperationID]*Operation, len(ops))
	for i := range ops {
		byID[ops[i].ID] = &ops[i]
	}

	refunds := make(map[OperationID]*refundGroup)
	for _, t := range txs {
		if t.Kind != TxRefund || t.OperationID == "" {
			continue
		}
		if _, ok := refunds[t.OperationID]; !ok {
			g := refundPosition(txs, t.OperationID)
			refunds[t.OperationID] = &g
		}
	}

	ids := make([]OperationID, 0, len(refunds))
	for id := range refunds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		g := refunds[id]
		op := byID[id]
		if op != nil && op.Corrected {
			continue
		}

		if g.count > 1 {
			report.DoubleRefunds = append(report.DoubleRefunds, DoubleRefund{OperationID: id, Count: g.count, Total: g.total})
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:        AnomalyDoubleRefund,
				Severity:    SeverityHigh,
				OperationID: id,
				Amount:      g.total,
				Description: fmt.Sprintf("operation %s refunded %d times (total %s)", id, g.count, g.total.StringFixed(2)),
			})
		}

		if op == nil {
			continue
		}

		switch net := g.net(); {
		case op.Amount.IsPositive() && net.GreaterThan(op.Amount):
			over := OverRefund{OperationID: id, Refunded: g.total, Reversed: g.reversed, Expected: op.Amount}
			description := fmt.Sprintf("operation %s refunded %s against a charge of %s",
				id, g.total.StringFixed(2), op.Amount.StringFixed(2))
			if g.reversed.IsPositive() {
				description += fmt.Sprintf(" (%s reversed, %s outstanding)",
					g.reversed.StringFixed(2), over.Outstanding().StringFixed(2))
			}
			report.OverRefunds = append(report.OverRefunds, over)
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:        AnomalyOverRefund,
				Severity:    SeverityHigh,
				OperationID: id,
				Amount:      over.Outstanding(),
				Description: description,
			})
		case op.Amount.IsZero() && net.IsPositive():
			report.PhantomRefunds = append(report.PhantomRefunds, PhantomRefund{OperationID: id, Refunded: net})
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:        AnomalyPhantomRefund,
				Severity:    SeverityHigh,
				OperationID: id,
				Amount:      net,
				Description: fmt.Sprintf("operation %s was never charged but refunded %s", id, net.StringFixed(2)),
			})
		}
	}

	rec := Reconcile(account, txs)
	if !rec.IsValid {
		d := rec.Discrepancy
		report.Discrepancy = &d
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyBalanceMismatch,
			Severity: SeverityHigh,
			Amount:   d,
			Description: fmt.Sprintf("cached balance %s differs from ledger %s by %s",
				rec.Actual.StringFixed(2), rec.Expected.StringFixed(2), d.StringFixed(2)),
		})
	}

	return report
}

// =============================================================================
// AUDITOR - loads an account's history and runs every check
// =============================================================================

type AuditReport struct {
	Reconciliation Reconciliation
	Anomalies      AnomalyReport
}

type Auditor struct {
	Store Store
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{Store: store}
}

func (a *Auditor) Audit(ctx context.Context, id AccountID) (*AuditReport, error) {
	account, err := a.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := a.Store.ListTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	ops, err := a.Store.ListAccountOperations(ctx, id, OperationFilter{})
	if err != nil {
		return nil, err
	}
	return &AuditReport{
		Reconciliation: Reconcile(*account, txs),
		Anomalies:      DetectAnomalies(*account, txs, ops),
	}, nil
}
