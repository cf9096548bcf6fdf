// Package store provides in-process engine.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/operation-ledger/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in process. WithTx holds the write lock for the
// whole unit of work, which serializes writers the way row locks would.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[engine.AccountID]engine.Account
	operations    map[engine.OperationID]engine.Operation
	transactions  []engine.Transaction
	notifications []engine.Notification
	audit         []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[engine.AccountID]engine.Account),
		operations: make(map[engine.OperationID]engine.Operation),
	}
}

func (m *Memory) Close() error { return nil }

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

func (m *Memory) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account(id)
}

func (m *Memory) GetOperation(_ context.Context, id engine.OperationID) (*engine.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.operation(id)
}

func (m *Memory) ListTransactions(_ context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountTransactions(accountID), nil
}

func (m *Memory) ListOperationTransactions(_ context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.operationTransactions(operationID), nil
}

func (m *Memory) ListAccountOperations(_ context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountOperations(accountID, filter), nil
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

func (m *Memory) ListStaleOperations(_ context.Context, q engine.StaleQuery) ([]engine.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.Operation
	for _, op := range m.operations {
		op := op
		if q.Matches(&op) {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *Memory) ListNotifications(_ context.Context, accountID engine.AccountID, limit int) ([]engine.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].AccountID != accountID {
			continue
		}
		result = append(result, m.notifications[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) ListAudit(_ context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.AccountID != "" && e.AccountID != filter.AccountID {
			continue
		}
		if filter.OperationID != "" && e.OperationID != filter.OperationID {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memoryTx{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

// Log, notification and audit slices are append-only, so a snapshot only
// needs their lengths. The mutable maps are copied.
type memorySnapshot struct {
	accounts      map[engine.AccountID]engine.Account
	operations    map[engine.OperationID]engine.Operation
	transactions  int
	notifications int
	audit         int
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[engine.AccountID]engine.Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	operations := make(map[engine.OperationID]engine.Operation, len(m.operations))
	for k, v := range m.operations {
		operations[k] = v
	}
	return memorySnapshot{
		accounts:      accounts,
		operations:    operations,
		transactions:  len(m.transactions),
		notifications: len(m.notifications),
		audit:         len(m.audit),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.operations = s.operations
	m.transactions = m.transactions[:s.transactions]
	m.notifications = m.notifications[:s.notifications]
	m.audit = m.audit[:s.audit]
}

// -----------------------------------------------------------------------------
// Lock-free helpers; callers hold mu
// -----------------------------------------------------------------------------

func (m *Memory) account(id engine.AccountID) (*engine.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	return &a, nil
}

func (m *Memory) operation(id engine.OperationID) (*engine.Operation, error) {
	op, ok := m.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, engine.ErrOperationNotFound)
	}
	op.Packages = append([]engine.Package(nil), op.Packages...)
	return &op, nil
}

func (m *Memory) accountTransactions(accountID engine.AccountID) []engine.Transaction {
	var result []engine.Transaction
	for _, t := range m.transactions {
		if t.AccountID == accountID {
			result = append(result, t)
		}
	}
	return result
}

func (m *Memory) operationTransactions(operationID engine.OperationID) []engine.Transaction {
	var result []engine.Transaction
	for _, t := range m.transactions {
		if t.OperationID == operationID {
			result = append(result, t)
		}
	}
	return result
}

func (m *Memory) accountOperations(accountID engine.AccountID, filter engine.OperationFilter) []engine.Operation {
	var result []engine.Operation
	for _, op := range m.operations {
		if op.AccountID == accountID {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent *Memory
}

func (tx *memoryTx) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	return tx.parent.account(id)
}

func (tx *memoryTx) GetOperation(_ context.Context, id engine.OperationID) (*engine.Operation, error) {
	return tx.parent.operation(id)
}

func (tx *memoryTx) ListTransactions(_ context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	return tx.parent.accountTransactions(accountID), nil
}

func (tx *memoryTx) ListOperationTransactions(_ context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	return tx.parent.operationTransactions(operationID), nil
}

func (tx *memoryTx) ListAccountOperations(_ context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	return tx.parent.accountOperations(accountID, filter), nil
}

// LockAccount is a plain read: the unit of work already holds the store lock.
func (tx *memoryTx) LockAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	return tx.parent.account(id)
}

func (tx *memoryTx) LockOperation(_ context.Context, id engine.OperationID) (*engine.Operation, error) {
	return tx.parent.operation(id)
}

func (tx *memoryTx) InsertAccount(_ context.Context, a engine.Account) error {
	if _, ok := tx.parent.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, engine.ErrDuplicateAccount)
	}
	tx.parent.accounts[a.ID] = a
	return nil
}

func (tx *memoryTx) UpdateBalance(_ context.Context, id engine.AccountID, balance decimal.Decimal, at time.Time) error {
	a, ok := tx.parent.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	a.Balance = balance
	a.UpdatedAt = at
	tx.parent.accounts[id] = a
	return nil
}

func (tx *memoryTx) AppendTransaction(_ context.Context, t engine.Transaction) error {
	tx.parent.transactions = append(tx.parent.transactions, t)
	return nil
}

func (tx *memoryTx) InsertOperation(_ context.Context, op engine.Operation) error {
	if _, ok := tx.parent.operations[op.ID]; ok {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	tx.parent.operations[op.ID] = op
	return nil
}

func (tx *memoryTx) UpdateOperation(_ context.Context, op engine.Operation) error {
	if _, ok := tx.parent.operations[op.ID]; !ok {
		return fmt.Errorf("operation %s: %w", op.ID, engine.ErrOperationNotFound)
	}
	tx.parent.operations[op.ID] = op
	return nil
}

func (tx *memoryTx) AppendNotification(_ context.Context, n engine.Notification) error {
	tx.parent.notifications = append(tx.parent.notifications, n)
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, e engine.AuditEntry) error {
	tx.parent.audit = append(tx.parent.audit, e)
	return nil
}

// =============================================================================
// FIXTURES - direct writes that bypass the ledger, for drift scenarios
// =============================================================================

// SetBalance overwrites an account's cached balance without a paired
// transaction. It exists to reproduce drift in tests and never runs in
// production paths.
func (m *Memory) SetBalance(id engine.AccountID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	a.Balance = balance
	m.accounts[id] = a
	return nil
}

// InjectTransaction appends a log entry without touching the cached balance.
func (m *Memory) InjectTransaction(t engine.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, t)
}

var _ engine.Store = (*Memory)(nil)
