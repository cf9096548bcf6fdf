/*
ledger.go - Paired balance/transaction application

PURPOSE:
  Every balance-affecting action is one Entry applied inside a Tx:
    1. Lock the account row
    2. Compute the new cached balance
    3. Write the balance
    4. Append exactly one Transaction carrying BalanceAfter

  No other code path writes Account.Balance. That pairing is what makes the
  cached balance re-derivable from the log (see reconcile.go).

SIGN CONVENTION:
  DEPOSIT, REFUND         positive
  OPERATION_DEDUCT, WITHDRAW negative
  CORRECTION              either sign, never zero

OPENING BALANCES:
  An Entry with Opening set appends its transaction without moving the
  cached balance. It explains money the cache already holds (pre-ledger
  balances) and is only valid for DEPOSIT.

NEGATIVE BALANCES:
  Debits that would leave the account below zero fail with
  *InsufficientBalanceError and nothing is written.

SEE ALSO:
  - reconcile.go: Replays the log produced here
  - correction.go: Applies CORRECTION/DEPOSIT entries
  - lifecycle.go, liveness.go: Apply OPERATION_DEDUCT/REFUND entries
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ternarybob/arbor"
)

// newID generates identifiers for every record the engine creates.
var newID = func() string { return uuid.NewString() }

// =============================================================================
// ENTRY - one balance-affecting action
// =============================================================================

type Entry struct {
	AccountID   AccountID
	Kind        TxKind
	Amount      decimal.Decimal // signed
	OperationID OperationID
	Notes       string
	CreatedBy   string

	Opening     bool // append only, cached balance unchanged
	CacheRepair bool // see Transaction.CacheRepair
}

func (e Entry) validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidAmount, e.Kind)
	}
	if !ValidMoneyPrecision(e.Amount) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, e.Amount, MoneyPlaces)
	}
	switch e.Kind {
	case TxDeposit, TxRefund:
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidAmount, e.Kind, e.Amount)
		}
	case TxOperationDeduct, TxWithdraw:
		if !e.Amount.IsNegative() {
			return fmt.Errorf("%w: %s must be negative, got %s", ErrInvalidAmount, e.Kind, e.Amount)
		}
	case TxCorrection:
		if e.Amount.IsZero() {
			return fmt.Errorf("%w: correction amount must be non-zero", ErrInvalidAmount)
		}
	}
	if e.Opening && e.Kind != TxDeposit {
		return fmt.Errorf("%w: only deposits can record an opening balance", ErrInvalidAmount)
	}
	if e.CacheRepair && e.Kind != TxCorrection {
		return fmt.Errorf("%w: only corrections can repair the cached balance", ErrInvalidAmount)
	}
	return nil
}

// ApplyEntry updates the cached balance and appends the paired transaction
// inside tx. It is the single writer of Account.Balance.
func ApplyEntry(ctx context.Context, tx Tx, e Entry, now time.Time) (*Transaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	account, err := tx.LockAccount(ctx, e.AccountID)
	if err != nil {
		return nil, err
	}

	balance := account.Balance.Add(e.Amount)
	if e.Opening {
		balance = account.Balance
	}
	if e.Amount.IsNegative() && balance.IsNegative() {
		return nil, &InsufficientBalanceError{
			AccountID: account.ID,
			Available: account.Balance,
			Requested: e.Amount.Abs(),
		}
	}

	if err := tx.UpdateBalance(ctx, account.ID, balance, now); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	t := Transaction{
		ID:           TransactionID(newID()),
		AccountID:    account.ID,
		Amount:       e.Amount,
		Kind:         e.Kind,
		OperationID:  e.OperationID,
		BalanceAfter: balance,
		Notes:        e.Notes,
		CreatedBy:    e.CreatedBy,
		CreatedAt:    now,
		CacheRepair:  e.CacheRepair,
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	return &t, nil
}

// refundOnce credits a charged operation's amount back to its account unless
// a REFUND referencing the operation already exists. It returns the amount
// refunded (zero when skipped). Callers hold the operation lock.
func refundOnce(ctx context.Context, tx Tx, op *Operation, now time.Time, actor, notes string) (decimal.Decimal, *Transaction, error) {
	if !op.Charged() {
		return decimal.Zero, nil, nil
	}

	existing, err := tx.ListOperationTransactions(ctx, op.ID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	for _, t := range existing {
		if t.Kind == TxRefund {
			return decimal.Zero, nil, nil
		}
	}

	t, err := ApplyEntry(ctx, tx, Entry{
		AccountID:   op.AccountID,
		Kind:        TxRefund,
		Amount:      op.Amount,
		OperationID: op.ID,
		Notes:       notes,
		CreatedBy:   actor,
	}, now)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return op.Amount, t, nil
}

// =============================================================================
// LEDGER - account-level money movement
// =============================================================================

type Ledger struct {
	Store  Store
	Logger arbor.ILogger
	Now    func() time.Time
}

func NewLedger(store Store, logger arbor.ILogger) *Ledger {
	return &Ledger{Store: store, Logger: logger, Now: time.Now}
}

// CreateAccount opens an account with a zero balance. An empty id is
// replaced with a generated one.
func (l *Ledger) CreateAccount(ctx context.Context, id AccountID) (*Account, error) {
	if id == "" {
		id = AccountID(newID())
	}
	now := l.Now().UTC()
	account := Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	l.Logger.Info().Str("account_id", string(id)).Msg("Account created")
	return &account, nil
}

// Deposit credits the account, e.g. on a confirmed payment-provider webhook.
func (l *Ledger) Deposit(ctx context.Context, id AccountID, amount decimal.Decimal, notes, actor string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	return l.apply(ctx, Entry{AccountID: id, Kind: TxDeposit, Amount: amount, Notes: notes, CreatedBy: actor}, AuditDeposit)
}

// Withdraw debits the account. It never drives the balance negative.
func (l *Ledger) Withdraw(ctx context.Context, id AccountID, amount decimal.Decimal, notes, actor string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
	}
	return l.apply(ctx, Entry{AccountID: id, Kind: TxWithdraw, Amount: amount.Neg(), Notes: notes, CreatedBy: actor}, AuditWithdraw)
}

func (l *Ledger) apply(ctx context.Context, e Entry, action AuditAction) (*Transaction, error) {
	now := l.Now().UTC()
	var applied *Transaction

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		t, err := ApplyEntry(ctx, tx, e, now)
		if err != nil {
			return err
		}
		applied = t
		return tx.AppendAudit(ctx, AuditEntry{
			ID:        newID(),
			Action:    action,
			ActorID:   e.CreatedBy,
			AccountID: e.AccountID,
			Payload: map[string]any{
				"amount":        t.Amount.String(),
				"balance_after": t.BalanceAfter.String(),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	l.Logger.Info().
		Str("account_id", string(e.AccountID)).
		Str("kind", string(e.Kind)).
		Str("amount", e.Amount.StringFixed(2)).
		Str("balance_after", applied.BalanceAfter.StringFixed(2)).
		Msg("Ledger entry applied")
	return applied, nil
}

// Account returns the account with its cached balance.
func (l *Ledger) Account(ctx context.Context, id AccountID) (*Account, error) {
	return l.Store.GetAccount(ctx, id)
}

// Transactions returns the account's log in creation order.
func (l *Ledger) Transactions(ctx context.Context, id AccountID) ([]Transaction, error) {
	if _, err := l.Store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return l.Store.ListTransactions(ctx, id)
}
