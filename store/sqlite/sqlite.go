/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Default persistence for accounts, the transaction log, operations,
  notifications and the audit log. store/postgres implements the same
  interface with row-level locks; the schema and queries are kept parallel.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on transactions, notifications, audit_log
  - accounts.balance is written only through txStore.UpdateBalance, which
    the engine always pairs with a transactions INSERT in the same Tx

KEY TABLES:
  accounts:      id + cached balance
  transactions:  immutable ledger of all balance changes
  operations:    mutable operation records (never deleted)
  notifications: user-facing alerts written with the money
  audit_log:     who did what when

INDEXES:
  - idx_transactions_account_created: replay and history (hot path)
  - idx_transactions_operation:       refund-once guard, refund totals
  - idx_operations_sweep:             liveness sweep selection
  - idx_operations_account_created:   history pagination

CONCURRENCY:
  WithTx holds a process-wide write mutex for the whole unit of work, so
  LockAccount/LockOperation are plain reads inside it. SQLite allows a
  single writer anyway; PostgreSQL uses SELECT ... FOR UPDATE instead.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in the
  sweep query orders correctly.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/operation-ledger/engine"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		operation_id TEXT,
		balance_after TEXT NOT NULL,
		notes TEXT,
		created_by TEXT,
		cache_repair INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_created
		ON transactions(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_operation
		ON transactions(operation_id) WHERE operation_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		account_id TEXT,
		customer_id TEXT,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		packages_json TEXT,
		selected_package TEXT,
		captcha_image TEXT,
		captcha_expires_at TEXT,
		captcha_solution TEXT,
		corrected INTEGER NOT NULL DEFAULT 0,
		corrected_at TEXT,
		last_heartbeat TEXT,
		heartbeat_expiry TEXT,
		completed_at TEXT,
		result TEXT,
		error TEXT,
		resource_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_sweep
		ON operations(status, heartbeat_expiry);
	CREATE INDEX IF NOT EXISTS idx_operations_account_created
		ON operations(account_id, created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		link TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_account
		ON notifications(account_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id TEXT,
		account_id TEXT,
		operation_id TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_account
		ON audit_log(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_operation
		ON audit_log(operation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READER (engine.Reader)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) GetOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOperation(ctx, s.db, id)
}

func (s *Store) ListTransactions(ctx context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransactions(ctx, s.db, transactionColumns+` WHERE account_id = ? ORDER BY created_at ASC, rowid ASC`, accountID)
}

func (s *Store) ListOperationTransactions(ctx context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransactions(ctx, s.db, transactionColumns+` WHERE operation_id = ? ORDER BY created_at ASC, rowid ASC`, operationID)
}

func (s *Store) ListAccountOperations(ctx context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccountOperations(ctx, s.db, accountID, filter)
}

// =============================================================================
// STORE QUERIES
// =============================================================================

func (s *Store) ListStaleOperations(ctx context.Context, q engine.StaleQuery) ([]engine.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(q.Statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(q.Statuses))
	args := make([]any, 0, len(q.Statuses)+3)
	for i, st := range q.Statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, formatTime(q.Now), formatTime(q.NeverHeartbeatBefore))

	query := operationColumns + `
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		  AND ((heartbeat_expiry IS NOT NULL AND heartbeat_expiry < ?)
		    OR (last_heartbeat IS NULL AND created_at < ?))
		ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return queryOperations(ctx, s.db, query, args...)
}

func (s *Store) ListNotifications(ctx context.Context, accountID engine.AccountID, limit int) ([]engine.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, title, message, severity, link, created_at
		FROM notifications
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []engine.Notification
	for rows.Next() {
		var (
			n         engine.Notification
			link      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Title, &n.Message, &n.Severity, &link, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Link = link.String
		n.CreatedAt = parseTime(createdAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, action, actor_id, account_id, operation_id, payload_json, created_at
		FROM audit_log
		WHERE 1 = 1`
	var args []any
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.OperationID != "" {
		query += ` AND operation_id = ?`
		args = append(args, filter.OperationID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []engine.AuditEntry
	for rows.Next() {
		var (
			e                                engine.AuditEntry
			actor, account, operation, pjson sql.NullString
			createdAt                        string
		)
		if err := rows.Scan(&e.ID, &e.Action, &actor, &account, &operation, &pjson, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorID = actor.String
		e.AccountID = engine.AccountID(account.String)
		e.OperationID = engine.OperationID(operation.String)
		e.CreatedAt = parseTime(createdAt)
		if pjson.Valid && pjson.String != "" {
			if err := json.Unmarshal([]byte(pjson.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (engine.Tx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) GetOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	return getOperation(ctx, ts.tx, id)
}

func (ts *txStore) ListTransactions(ctx context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, ts.tx, transactionColumns+` WHERE account_id = ? ORDER BY created_at ASC, rowid ASC`, accountID)
}

func (ts *txStore) ListOperationTransactions(ctx context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, ts.tx, transactionColumns+` WHERE operation_id = ? ORDER BY created_at ASC, rowid ASC`, operationID)
}

func (ts *txStore) ListAccountOperations(ctx context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	return listAccountOperations(ctx, ts.tx, accountID, filter)
}

// LockAccount is a plain read; WithTx already serializes writers.
func (ts *txStore) LockAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) LockOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	return getOperation(ctx, ts.tx, id)
}

func (ts *txStore) InsertAccount(ctx context.Context, a engine.Account) error {
	_, err := ts.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Balance.String(), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("account %s: %w", a.ID, engine.ErrDuplicateAccount)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateBalance(ctx context.Context, id engine.AccountID, balance decimal.Decimal, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return requireRow(res, fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound))
}

func (ts *txStore) AppendTransaction(ctx context.Context, t engine.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, account_id, amount, kind, operation_id, balance_after, notes, created_by, cache_repair, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.AccountID,
		t.Amount.String(),
		string(t.Kind),
		nullString(string(t.OperationID)),
		t.BalanceAfter.String(),
		nullString(t.Notes),
		nullString(t.CreatedBy),
		t.CacheRepair,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) InsertOperation(ctx context.Context, op engine.Operation) error {
	args, err := operationArgs(op)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO operations
		(account_id, customer_id, type, amount, status, packages_json, selected_package,
		 captcha_image, captcha_expires_at, captcha_solution, corrected, corrected_at,
		 last_heartbeat, heartbeat_expiry, completed_at, result, error, resource_id,
		 created_at, updated_at, id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateOperation(ctx context.Context, op engine.Operation) error {
	args, err := operationArgs(op)
	if err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE operations SET
			account_id = ?, customer_id = ?, type = ?, amount = ?, status = ?, packages_json = ?,
			selected_package = ?, captcha_image = ?, captcha_expires_at = ?, captcha_solution = ?,
			corrected = ?, corrected_at = ?, last_heartbeat = ?, heartbeat_expiry = ?,
			completed_at = ?, result = ?, error = ?, resource_id = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return requireRow(res, fmt.Errorf("operation %s: %w", op.ID, engine.ErrOperationNotFound))
}

func (ts *txStore) AppendNotification(ctx context.Context, n engine.Notification) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, account_id, title, message, severity, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, n.Title, n.Message, string(n.Severity), nullString(n.Link), formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

func (ts *txStore) AppendAudit(ctx context.Context, e engine.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, actor_id, account_id, operation_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), nullString(e.ActorID), nullString(string(e.AccountID)),
		nullString(string(e.OperationID)), string(payload), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func getAccount(ctx context.Context, q querier, id engine.AccountID) (*engine.Account, error) {
	var (
		a                             engine.Account
		balance, createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, balance, created_at, updated_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &balance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if a.Balance, err = engine.ParseMoney(balance); err != nil {
		return nil, fmt.Errorf("account %s balance: %w", id, err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

const transactionColumns = `
	SELECT id, account_id, amount, kind, operation_id, balance_after, notes, created_by, cache_repair, created_at
	FROM transactions`

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]engine.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []engine.Transaction
	for rows.Next() {
		var (
			t                               engine.Transaction
			amount, balanceAfter, createdAt string
			operationID, notes, createdBy   sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &amount, &t.Kind, &operationID, &balanceAfter,
			&notes, &createdBy, &t.CacheRepair, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Amount, err = engine.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", t.ID, err)
		}
		if t.BalanceAfter, err = engine.ParseMoney(balanceAfter); err != nil {
			return nil, fmt.Errorf("transaction %s balance_after: %w", t.ID, err)
		}
		t.OperationID = engine.OperationID(operationID.String)
		t.Notes = notes.String
		t.CreatedBy = createdBy.String
		t.CreatedAt = parseTime(createdAt)
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

const operationColumns = `
	SELECT id, account_id, customer_id, type, amount, status, packages_json, selected_package,
	       captcha_image, captcha_expires_at, captcha_solution, corrected, corrected_at,
	       last_heartbeat, heartbeat_expiry, completed_at, result, error, resource_id,
	       created_at, updated_at
	FROM operations`

func getOperation(ctx context.Context, q querier, id engine.OperationID) (*engine.Operation, error) {
	ops, err := queryOperations(ctx, q, operationColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("operation %s: %w", id, engine.ErrOperationNotFound)
	}
	return &ops[0], nil
}

func listAccountOperations(ctx context.Context, q querier, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	query := operationColumns + ` WHERE account_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}
	return queryOperations(ctx, q, query, args...)
}

func queryOperations(ctx context.Context, q querier, query string, args ...any) ([]engine.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []engine.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(rows *sql.Rows) (engine.Operation, error) {
	var (
		op                                  engine.Operation
		accountID, customerID, packagesJSON sql.NullString
		selected, captchaImage, solution    sql.NullString
		captchaExpires, correctedAt         sql.NullString
		lastHeartbeat, heartbeatExpiry      sql.NullString
		completedAt, result, opErr, resID   sql.NullString
		amount, status, createdAt, updated  string
	)

	err := rows.Scan(
		&op.ID, &accountID, &customerID, &op.Type, &amount, &status, &packagesJSON, &selected,
		&captchaImage, &captchaExpires, &solution, &op.Corrected, &correctedAt,
		&lastHeartbeat, &heartbeatExpiry, &completedAt, &result, &opErr, &resID,
		&createdAt, &updated,
	)
	if err != nil {
		return op, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.AccountID = engine.AccountID(accountID.String)
	op.CustomerID = customerID.String
	if op.Amount, err = engine.ParseMoney(amount); err != nil {
		return op, fmt.Errorf("operation %s amount: %w", op.ID, err)
	}
	op.Status = engine.Status(status)
	if packagesJSON.Valid && packagesJSON.String != "" {
		if err := json.Unmarshal([]byte(packagesJSON.String), &op.Packages); err != nil {
			return op, fmt.Errorf("failed to decode packages: %w", err)
		}
	}
	op.SelectedPackage = selected.String
	op.CaptchaImage = captchaImage.String
	op.CaptchaExpiresAt = parseNullTime(captchaExpires)
	op.CaptchaSolution = solution.String
	op.CorrectedAt = parseNullTime(correctedAt)
	op.LastHeartbeat = parseNullTime(lastHeartbeat)
	op.HeartbeatExpiry = parseNullTime(heartbeatExpiry)
	op.CompletedAt = parseNullTime(completedAt)
	op.Result = result.String
	op.Error = opErr.String
	op.ResourceID = resID.String
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updated)
	return op, nil
}

// operationArgs lists every column in the order shared by the INSERT and
// UPDATE statements, with id last.
func operationArgs(op engine.Operation) ([]any, error) {
	var packages sql.NullString
	if len(op.Packages) > 0 {
		b, err := json.Marshal(op.Packages)
		if err != nil {
			return nil, fmt.Errorf("failed to encode packages: %w", err)
		}
		packages = sql.NullString{String: string(b), Valid: true}
	}
	return []any{
		nullString(string(op.AccountID)),
		nullString(op.CustomerID),
		op.Type,
		op.Amount.String(),
		string(op.Status),
		packages,
		nullString(op.SelectedPackage),
		nullString(op.CaptchaImage),
		nullTime(op.CaptchaExpiresAt),
		nullString(op.CaptchaSolution),
		op.Corrected,
		nullTime(op.CorrectedAt),
		nullTime(op.LastHeartbeat),
		nullTime(op.HeartbeatExpiry),
		nullTime(op.CompletedAt),
		nullString(op.Result),
		nullString(op.Error),
		nullString(op.ResourceID),
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
		op.ID,
	}, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ engine.Store = (*Store)(nil)
