/*
store.go - Persistence interface for accounts, transactions and operations

PURPOSE:
  Defines the boundary between the engine and any storage engine with
  transactional guarantees. The engine never assumes a particular database;
  it only assumes WithTx gives all-or-nothing semantics and that the Lock*
  reads serialize concurrent writers on the same row.

KEY INTERFACES:
  Reader: Point reads and history queries
  Tx:     A unit of work. Lock*, writes, and reads that see its own writes
  Store:  Reader + sweep selection + WithTx

APPEND-ONLY CONTRACT:
  Transactions, notifications and audit entries have Append methods only.
  The account balance column has exactly one writer: ApplyEntry in ledger.go,
  which always appends the paired transaction in the same Tx.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with SELECT ... FOR UPDATE

SEE ALSO:
  - ledger.go: The only caller of UpdateBalance
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERIES
// =============================================================================

// OperationFilter pages through an account's operations, newest first.
type OperationFilter struct {
	Limit  int
	Offset int
}

// StaleQuery selects operations for forced expiry. An operation qualifies
// when its status is in Statuses and either its HeartbeatExpiry is before Now,
// or it never heartbeated and was created before NeverHeartbeatBefore.
type StaleQuery struct {
	Now                  time.Time
	NeverHeartbeatBefore time.Time
	Statuses             []Status
	Limit                int
}

// Matches applies the selection predicate to a single operation. Stores use
// it to re-check a row after locking it.
func (q StaleQuery) Matches(op *Operation) bool {
	found := false
	for _, s := range q.Statuses {
		if op.Status == s {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if op.HeartbeatExpiry != nil && op.HeartbeatExpiry.Before(q.Now) {
		return true
	}
	return op.LastHeartbeat == nil && op.CreatedAt.Before(q.NeverHeartbeatBefore)
}

type AuditFilter struct {
	AccountID   AccountID
	OperationID OperationID
	Limit       int
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type Reader interface {
	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// GetOperation returns ErrOperationNotFound for unknown ids.
	GetOperation(ctx context.Context, id OperationID) (*Operation, error)

	// ListTransactions returns the account's transactions in creation order.
	ListTransactions(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// ListOperationTransactions returns transactions referencing an operation.
	ListOperationTransactions(ctx context.Context, operationID OperationID) ([]Transaction, error)

	// ListAccountOperations returns the account's operations, newest first.
	// A zero Limit returns all of them.
	ListAccountOperations(ctx context.Context, accountID AccountID, filter OperationFilter) ([]Operation, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	Reader

	// LockAccount reads the account and holds it against concurrent writers
	// until the unit of work ends.
	LockAccount(ctx context.Context, id AccountID) (*Account, error)

	// LockOperation reads the operation and holds it likewise.
	LockOperation(ctx context.Context, id OperationID) (*Operation, error)

	InsertAccount(ctx context.Context, account Account) error
	UpdateBalance(ctx context.Context, id AccountID, balance decimal.Decimal, at time.Time) error
	AppendTransaction(ctx context.Context, tx Transaction) error

	InsertOperation(ctx context.Context, op Operation) error
	UpdateOperation(ctx context.Context, op Operation) error

	AppendNotification(ctx context.Context, n Notification) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

type Store interface {
	Reader

	// ListStaleOperations returns candidates for forced expiry.
	ListStaleOperations(ctx context.Context, q StaleQuery) ([]Operation, error)

	// ListNotifications returns the account's notifications, newest first.
	ListNotifications(ctx context.Context, accountID AccountID, limit int) ([]Notification, error)

	// ListAudit returns audit entries, newest first.
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// unit of work is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
