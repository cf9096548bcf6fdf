/*
correction.go - Explicit, idempotent repairs of ledger/cache drift

PURPOSE:
  Detection (anomaly.go) never writes. Correct is the only way a detected
  inconsistency gets fixed, and every fix is one atomic unit: the account is
  locked, the discrepancy is recomputed from the log inside that lock, and
  the balance write, the transaction append and (for refund kinds) the
  operation's corrected flag commit together.

KINDS:
  INITIALIZE_BALANCE  discrepancy > ε: append a DEPOSIT for the excess as the
                      pre-ledger opening balance. The cached balance already
                      holds that money, so it is not moved.
  ADD_MISSING         discrepancy < −ε: credit the cached balance by
                      |discrepancy| (CacheRepair CORRECTION).
  BALANCE_MISMATCH    discrepancy > ε: debit the cached balance by
                      min(discrepancy, balance) (CacheRepair CORRECTION). A
                      binding cap is reported with its shortfall and left for
                      manual follow-up. discrepancy < −ε is refused in favour
                      of ADD_MISSING.
  DOUBLE_REFUND /
  OVER_REFUND         excess = Σ refunds − Σ earlier reversals − amount for
                      the operation. A negative CORRECTION referencing the
                      operation takes the excess back from both cache and
                      log. The operation is flagged corrected only once the
                      whole excess is reversed; a capped reversal leaves it
                      open so the remainder stays reported and can be
                      retried.

OUTCOMES:
  Only store failures and malformed requests are errors. "Nothing to
  correct", "already corrected" and the ADD_MISSING redirect come back as a
  CorrectionResult with a human-readable Message.

SEE ALSO:
  - reconcile.go: Expected balance and CacheRepair exclusion
  - anomaly.go:   Read-only detection
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ternarybob/arbor"
)

type CorrectionKind string

const (
	CorrectionInitializeBalance CorrectionKind = "INITIALIZE_BALANCE"
	CorrectionAddMissing        CorrectionKind = "ADD_MISSING"
	CorrectionBalanceMismatch   CorrectionKind = "BALANCE_MISMATCH"
	CorrectionDoubleRefund      CorrectionKind = "DOUBLE_REFUND"
	CorrectionOverRefund        CorrectionKind = "OVER_REFUND"
)

func (k CorrectionKind) Valid() bool {
	switch k {
	case CorrectionInitializeBalance, CorrectionAddMissing, CorrectionBalanceMismatch,
		CorrectionDoubleRefund, CorrectionOverRefund:
		return true
	}
	return false
}

// NeedsOperation reports whether the kind targets a single operation.
func (k CorrectionKind) NeedsOperation() bool {
	return k == CorrectionDoubleRefund || k == CorrectionOverRefund
}

type CorrectionOutcome string

const (
	OutcomeApplied          CorrectionOutcome = "applied"
	OutcomeNoop             CorrectionOutcome = "noop"
	OutcomeAlreadyCorrected CorrectionOutcome = "already_corrected"
	OutcomeRejected         CorrectionOutcome = "rejected"
)

type CorrectionRequest struct {
	AccountID   AccountID
	Kind        CorrectionKind
	OperationID OperationID
	Notes       string
	Actor       string
}

type CorrectionResult struct {
	Kind    CorrectionKind
	Outcome CorrectionOutcome
	Message string

	// Set when Outcome is applied
	Amount        decimal.Decimal // signed amount of the appended transaction
	NewBalance    decimal.Decimal
	TransactionID TransactionID

	// Capped is true when the balance floor limited the deduction. Shortfall
	// is the part of the excess that could not be taken back.
	Capped    bool
	Shortfall decimal.Decimal

	// Discrepancy as recomputed at the start of the call
	Discrepancy decimal.Decimal
}

// Applied reports whether a transaction was written.
func (r CorrectionResult) Applied() bool { return r.Outcome == OutcomeApplied }

// =============================================================================
// CORRECTOR
// =============================================================================

type Corrector struct {
	Store  Store
	Logger arbor.ILogger
	Sink   NotificationSink
	Now    func() time.Time
}

func NewCorrector(store Store, logger arbor.ILogger, sink NotificationSink) *Corrector {
	if sink == nil {
		sink = NopSink
	}
	return &Corrector{Store: store, Logger: logger, Sink: sink, Now: time.Now}
}

// Correct applies one correction kind to an account.
func (c *Corrector) Correct(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCorrectionKind, req.Kind)
	}
	if req.Kind.NeedsOperation() && req.OperationID == "" {
		return nil, ErrOperationIDRequired
	}
	if req.Actor == "" {
		req.Actor = ActorAdmin
	}

	now := c.Now().UTC()
	var (
		result CorrectionResult
		outbox []Notification
	)

	err := c.Store.WithTx(ctx, func(tx Tx) error {
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		txs, err := tx.ListTransactions(ctx, req.AccountID)
		if err != nil {
			return err
		}
		rec := Reconcile(*account, txs)

		if req.Kind.NeedsOperation() {
			result, err = c.correctRefund(ctx, tx, req, account, now)
		} else {
			result, err = c.correctBalance(ctx, tx, req, account, rec, now)
		}
		if err != nil {
			return err
		}
		result.Kind = req.Kind
		result.Discrepancy = rec.Discrepancy

		if !result.Applied() {
			return nil
		}

		if err := tx.AppendAudit(ctx, AuditEntry{
			ID:          newID(),
			Action:      AuditCorrectionApplied,
			ActorID:     req.Actor,
			AccountID:   req.AccountID,
			OperationID: req.OperationID,
			Payload: map[string]any{
				"kind":           string(req.Kind),
				"amount":         result.Amount.String(),
				"balance_after":  result.NewBalance.String(),
				"discrepancy":    rec.Discrepancy.String(),
				"capped":         result.Capped,
				"shortfall":      result.Shortfall.String(),
				"transaction_id": string(result.TransactionID),
				"notes":          req.Notes,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		n := Notification{
			ID:        newID(),
			AccountID: req.AccountID,
			Title:     "Balance corrected",
			Message:   result.Message,
			Severity:  SeverityInfo,
			CreatedAt: now,
		}
		if result.Capped {
			n.Severity = SeverityWarning
		}
		if err := tx.AppendNotification(ctx, n); err != nil {
			return err
		}
		outbox = append(outbox, n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatch(ctx, c.Sink, c.Logger, outbox)

	event := c.Logger.Info()
	if result.Capped {
		event = c.Logger.Warn().Str("shortfall", result.Shortfall.StringFixed(2))
	}
	event.
		Str("account_id", string(req.AccountID)).
		Str("operation_id", string(req.OperationID)).
		Str("kind", string(req.Kind)).
		Str("outcome", string(result.Outcome)).
		Str("amount", result.Amount.StringFixed(2)).
		Msg("Correction evaluated")

	return &result, nil
}

// correctBalance handles the account-level kinds.
func (c *Corrector) correctBalance(ctx context.Context, tx Tx, req CorrectionRequest, account *Account, rec Reconciliation, now time.Time) (CorrectionResult, error) {
	d := rec.Discrepancy
	nothing := CorrectionResult{
		Outcome: OutcomeNoop,
		Message: fmt.Sprintf("nothing to correct: balance %s matches ledger %s",
			rec.Actual.StringFixed(2), rec.Expected.StringFixed(2)),
	}

	switch req.Kind {
	case CorrectionInitializeBalance:
		if !d.GreaterThan(Epsilon) {
			if d.LessThan(Epsilon.Neg()) {
				nothing.Message = fmt.Sprintf("nothing to initialize: balance is %s below the ledger, use ADD_MISSING",
					d.Abs().StringFixed(2))
			}
			return nothing, nil
		}
		t, err := ApplyEntry(ctx, tx, Entry{
			AccountID: account.ID,
			Kind:      TxDeposit,
			Amount:    d,
			Notes:     notesOr(req.Notes, "opening balance recorded by reconciliation"),
			CreatedBy: req.Actor,
			Opening:   true,
		}, now)
		if err != nil {
			return CorrectionResult{}, err
		}
		return applied(t, fmt.Sprintf("recorded opening balance of %s as a deposit", d.StringFixed(2))), nil

	case CorrectionAddMissing:
		if !d.LessThan(Epsilon.Neg()) {
			if d.GreaterThan(Epsilon) {
				nothing.Message = fmt.Sprintf("nothing missing: balance is %s above the ledger, use BALANCE_MISMATCH or INITIALIZE_BALANCE",
					d.StringFixed(2))
			}
			return nothing, nil
		}
		amount := d.Abs()
		t, err := ApplyEntry(ctx, tx, Entry{
			AccountID:   account.ID,
			Kind:        TxCorrection,
			Amount:      amount,
			Notes:       notesOr(req.Notes, "credit missing from cached balance"),
			CreatedBy:   req.Actor,
			CacheRepair: true,
		}, now)
		if err != nil {
			return CorrectionResult{}, err
		}
		return applied(t, fmt.Sprintf("credited missing %s to balance", amount.StringFixed(2))), nil

	case CorrectionBalanceMismatch:
		if d.LessThan(Epsilon.Neg()) {
			return CorrectionResult{
				Outcome: OutcomeRejected,
				Message: fmt.Sprintf("balance is %s below the ledger: use ADD_MISSING instead", d.Abs().StringFixed(2)),
			}, nil
		}
		if !d.GreaterThan(Epsilon) {
			return nothing, nil
		}
		amount := decimal.Min(d, account.Balance)
		shortfall := d.Sub(amount)
		if !amount.IsPositive() {
			return CorrectionResult{
				Outcome:   OutcomeNoop,
				Capped:    true,
				Shortfall: shortfall,
				Message: fmt.Sprintf("excess of %s cannot be deducted from a zero balance; shortfall %s left for manual review",
					d.StringFixed(2), shortfall.StringFixed(2)),
			}, nil
		}
		t, err := ApplyEntry(ctx, tx, Entry{
			AccountID:   account.ID,
			Kind:        TxCorrection,
			Amount:      amount.Neg(),
			Notes:       notesOr(req.Notes, "excess removed from cached balance"),
			CreatedBy:   req.Actor,
			CacheRepair: true,
		}, now)
		if err != nil {
			return CorrectionResult{}, err
		}
		r := applied(t, fmt.Sprintf("deducted excess of %s from balance", amount.StringFixed(2)))
		if shortfall.IsPositive() {
			r.Capped = true
			r.Shortfall = shortfall
			r.Message = fmt.Sprintf("deducted %s of %s excess; capped at current balance, shortfall %s left for manual review",
				amount.StringFixed(2), d.StringFixed(2), shortfall.StringFixed(2))
		}
		return r, nil
	}
	return CorrectionResult{}, fmt.Errorf("%w: %q", ErrUnknownCorrectionKind, req.Kind)
}

// correctRefund takes back refunds paid above an operation's amount.
func (c *Corrector) correctRefund(ctx context.Context, tx Tx, req CorrectionRequest, account *Account, now time.Time) (CorrectionResult, error) {
	op, err := tx.LockOperation(ctx, req.OperationID)
	if err != nil {
		return CorrectionResult{}, err
	}
	if op.AccountID != account.ID {
		return CorrectionResult{}, fmt.Errorf("operation %s: %w", op.ID, ErrNotOwner)
	}
	if op.Corrected {
		return CorrectionResult{
			Outcome: OutcomeAlreadyCorrected,
			Message: fmt.Sprintf("operation %s already corrected", op.ID),
		}, nil
	}

	linked, err := tx.ListOperationTransactions(ctx, op.ID)
	if err != nil {
		return CorrectionResult{}, err
	}
	position := refundPosition(linked, op.ID)

	excess := position.net().Sub(op.Amount)
	if !excess.IsPositive() {
		return CorrectionResult{
			Outcome: OutcomeNoop,
			Message: fmt.Sprintf("nothing to correct: operation %s refunded %s of %s",
				op.ID, position.net().StringFixed(2), op.Amount.StringFixed(2)),
		}, nil
	}

	amount := decimal.Min(excess, account.Balance)
	shortfall := excess.Sub(amount)

	// Nothing can be taken back from an empty account. The operation stays
	// uncorrected so the anomaly keeps being reported.
	if !amount.IsPositive() {
		return CorrectionResult{
			Outcome:   OutcomeNoop,
			Capped:    true,
			Shortfall: shortfall,
			Message: fmt.Sprintf("excess refund of %s for operation %s cannot be reversed from a zero balance",
				excess.StringFixed(2), op.ID),
		}, nil
	}

	t, err := ApplyEntry(ctx, tx, Entry{
		AccountID:   account.ID,
		Kind:        TxCorrection,
		Amount:      amount.Neg(),
		OperationID: op.ID,
		Notes:       notesOr(req.Notes, fmt.Sprintf("reverse excess refund for operation %s", op.ID)),
		CreatedBy:   req.Actor,
	}, now)
	if err != nil {
		return CorrectionResult{}, err
	}
	r := applied(t, fmt.Sprintf("reversed excess refund of %s for operation %s", amount.StringFixed(2), op.ID))

	if shortfall.IsPositive() {
		r.Capped = true
		r.Shortfall = shortfall
		r.Message = fmt.Sprintf("reversed %s of %s excess refund for operation %s; capped at current balance, shortfall %s still outstanding",
			amount.StringFixed(2), excess.StringFixed(2), op.ID, shortfall.StringFixed(2))
		return r, nil
	}

	correctedAt := now
	op.Corrected = true
	op.CorrectedAt = &correctedAt
	op.UpdatedAt = now
	if err := tx.UpdateOperation(ctx, *op); err != nil {
		return CorrectionResult{}, err
	}
	return r, nil
}

func applied(t *Transaction, message string) CorrectionResult {
	return CorrectionResult{
		Outcome:       OutcomeApplied,
		Message:       message,
		Amount:        t.Amount,
		NewBalance:    t.BalanceAfter,
		TransactionID: t.ID,
	}
}

func notesOr(notes, fallback string) string {
	if notes != "" {
		return notes
	}
	return fallback
}
