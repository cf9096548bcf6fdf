/*
Package engine provides the operation lifecycle and ledger reconciliation core.

PURPOSE:
  This package owns the money-facing half of the system: accounts with a
  cached balance, the append-only transaction log behind that balance, and
  the long-running "operations" that reserve, settle and refund money while
  an external worker drives them against a third-party provider.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts, compared against a fixed epsilon
  - Account: an id plus a CACHED balance (derived, never authoritative)
  - Transaction: an immutable ledger entry carrying the balance after it

DESIGN PRINCIPLES:
  1. The transaction log is the source of truth; Account.Balance is a cache
  2. Every balance write is paired with exactly one transaction append
  3. Precision: decimal.Decimal everywhere, never float64
  4. Idempotency is checked against the log, not assumed from the caller

SEE ALSO:
  - ledger.go: Paired balance/transaction application
  - reconcile.go: Expected-balance replay
  - operation.go: Operation record and state machine
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Epsilon is the tolerance used when comparing a cached balance to the ledger.
var Epsilon = decimal.RequireFromString("0.01")

// MoneyPlaces is the number of decimal places money is stored with. Amounts
// with finer precision would be rounded independently of the balance they
// produced, so they are rejected rather than rounded.
const MoneyPlaces = 2

// ValidMoneyPrecision reports whether d fits in MoneyPlaces decimals.
func ValidMoneyPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}

// ParseMoney parses a stored decimal string.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed money value %q: %w", s, err)
	}
	return d, nil
}

// Money is a convenience constructor used by tests and fixtures.
func Money(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type OperationID string

// =============================================================================
// ACCOUNT - id + cached balance
// =============================================================================

// Account is the billed principal. Balance is a materialized view over the
// account's transactions and must never be written without a paired entry.
type Account struct {
	ID        AccountID
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - immutable ledger entry
// =============================================================================

type TxKind string

const (
	TxDeposit         TxKind = "DEPOSIT"          // Money in (payment provider, opening balance)
	TxOperationDeduct TxKind = "OPERATION_DEDUCT" // Reservation for an operation, stored negative
	TxRefund          TxKind = "REFUND"           // Money back for a failed/cancelled/expired operation
	TxWithdraw        TxKind = "WITHDRAW"         // Money out, stored negative
	TxCorrection      TxKind = "CORRECTION"       // Explicit reconciliation entry, either sign
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case TxDeposit, TxOperationDeduct, TxRefund, TxWithdraw, TxCorrection:
		return true
	}
	return false
}

type Transaction struct {
	ID           TransactionID
	AccountID    AccountID
	Amount       decimal.Decimal // signed: positive credits the account
	Kind         TxKind
	OperationID  OperationID // empty when not tied to an operation
	BalanceAfter decimal.Decimal
	Notes        string
	CreatedBy    string
	CreatedAt    time.Time

	// CacheRepair marks a CORRECTION that moved the cached balance onto the
	// replayed log. It records money already explained by other entries, so
	// ExpectedBalance does not count it again.
	CacheRepair bool
}

// System actors recorded in Transaction.CreatedBy and audit entries.
const (
	ActorSystem   = "system"
	ActorSweeper  = "system:liveness"
	ActorWorker   = "system:worker"
	ActorAdmin    = "admin"
	ActorCustomer = "customer"
)

// =============================================================================
// NOTIFICATIONS & AUDIT - written inside the same atomic unit as money
// =============================================================================

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Notification is a user-facing alert. It is persisted with the financial
// write and handed to the NotificationSink after commit.
type Notification struct {
	ID        string
	AccountID AccountID
	Title     string
	Message   string
	Severity  Severity
	Link      string
	CreatedAt time.Time
}

type AuditAction string

const (
	AuditOperationCreated   AuditAction = "operation_created"
	AuditOperationAdvanced  AuditAction = "operation_advanced"
	AuditOperationCancelled AuditAction = "operation_cancelled"
	AuditOperationExpired   AuditAction = "operation_expired"
	AuditOperationFailed    AuditAction = "operation_failed"
	AuditPackageSelected    AuditAction = "package_selected"
	AuditCorrectionApplied  AuditAction = "correction_applied"
	AuditDeposit            AuditAction = "deposit"
	AuditWithdraw           AuditAction = "withdraw"
)

// AuditEntry records who did what when. Append-only, like the ledger.
type AuditEntry struct {
	ID          string
	Action      AuditAction
	ActorID     string
	AccountID   AccountID
	OperationID OperationID
	Payload     map[string]any
	CreatedAt   time.Time
}
