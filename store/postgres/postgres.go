/*
Package postgres provides a PostgreSQL implementation of engine.Store.

PURPOSE:
  Production persistence when several server instances (and several sweep
  schedules) share one database. Unlike store/sqlite there is no process
  mutex: per-row serialization comes from SELECT ... FOR UPDATE inside a
  READ COMMITTED transaction, so a waiting writer re-reads the committed
  row once the lock is released.

LOCKING:
  LockAccount:   SELECT ... FROM accounts WHERE id = $1 FOR UPDATE
  LockOperation: SELECT ... FROM operations WHERE id = $1 FOR UPDATE

  Two concurrent corrections on one account queue on the account row; a
  cancel racing an expiry queues on the operation row and the loser sees
  the terminal status.

MONEY:
  NUMERIC(20, 2) columns, read back as text and parsed into decimal.Decimal.

SEE ALSO:
  - store/sqlite/sqlite.go: Same schema for SQLite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/operation-ledger/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount NUMERIC(20, 2) NOT NULL,
	kind TEXT NOT NULL,
	operation_id TEXT,
	balance_after NUMERIC(20, 2) NOT NULL,
	notes TEXT,
	created_by TEXT,
	cache_repair BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_operation ON transactions(operation_id) WHERE operation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	account_id TEXT REFERENCES accounts(id),
	customer_id TEXT,
	type TEXT NOT NULL,
	amount NUMERIC(20, 2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	packages JSONB,
	selected_package TEXT,
	captcha_image TEXT,
	captcha_expires_at TIMESTAMPTZ,
	captcha_solution TEXT,
	corrected BOOLEAN NOT NULL DEFAULT FALSE,
	corrected_at TIMESTAMPTZ,
	last_heartbeat TIMESTAMPTZ,
	heartbeat_expiry TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	result TEXT,
	error TEXT,
	resource_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_sweep ON operations(status, heartbeat_expiry);
CREATE INDEX IF NOT EXISTS idx_operations_account_created ON operations(account_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL,
	link TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	actor_id TEXT,
	account_id TEXT,
	operation_id TEXT,
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_log(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation_id);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, s.db, id, false)
}

func (s *Store) GetOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	return getOperation(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, s.db, transactionColumns+` WHERE account_id = $1 ORDER BY created_at, seq`, accountID)
}

func (s *Store) ListOperationTransactions(ctx context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, s.db, transactionColumns+` WHERE operation_id = $1 ORDER BY created_at, seq`, operationID)
}

func (s *Store) ListAccountOperations(ctx context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	return listAccountOperations(ctx, s.db, accountID, filter)
}

// =============================================================================
// STORE QUERIES
// =============================================================================

func (s *Store) ListStaleOperations(ctx context.Context, q engine.StaleQuery) ([]engine.Operation, error) {
	if len(q.Statuses) == 0 {
		return nil, nil
	}
	statuses := make([]string, len(q.Statuses))
	for i, st := range q.Statuses {
		statuses[i] = string(st)
	}

	query := operationColumns + `
		WHERE status = ANY($1)
		  AND ((heartbeat_expiry IS NOT NULL AND heartbeat_expiry < $2)
		    OR (last_heartbeat IS NULL AND created_at < $3))
		ORDER BY created_at, id`
	args := []any{statuses, q.Now, q.NeverHeartbeatBefore}
	if q.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, q.Limit)
	}
	return queryOperations(ctx, s.db, query, args...)
}

func (s *Store) ListNotifications(ctx context.Context, accountID engine.AccountID, limit int) ([]engine.Notification, error) {
	query := `
		SELECT id, account_id, title, message, severity, COALESCE(link, ''), created_at
		FROM notifications
		WHERE account_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(accountID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []engine.Notification
	for rows.Next() {
		var (
			n                   engine.Notification
			accountID, severity string
		)
		if err := rows.Scan(&n.ID, &accountID, &n.Title, &n.Message, &severity, &n.Link, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.AccountID = engine.AccountID(accountID)
		n.Severity = engine.Severity(severity)
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		args = append(args, string(filter.AccountID))
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.OperationID != "" {
		args = append(args, string(filter.OperationID))
		where = append(where, fmt.Sprintf("operation_id = $%d", len(args)))
	}

	query := `
		SELECT id, action, COALESCE(actor_id, ''), COALESCE(account_id, ''), COALESCE(operation_id, ''), payload, created_at
		FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []engine.AuditEntry
	for rows.Next() {
		var (
			e                                 engine.AuditEntry
			action, account, operation, actor string
			payload                           []byte
		)
		if err := rows.Scan(&e.ID, &action, &actor, &account, &operation, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = engine.AuditAction(action)
		e.ActorID = actor
		e.AccountID = engine.AccountID(account)
		e.OperationID = engine.OperationID(operation)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id, false)
}

func (ts *txStore) GetOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	return getOperation(ctx, ts.tx, id, false)
}

func (ts *txStore) ListTransactions(ctx context.Context, accountID engine.AccountID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, ts.tx, transactionColumns+` WHERE account_id = $1 ORDER BY created_at, seq`, accountID)
}

func (ts *txStore) ListOperationTransactions(ctx context.Context, operationID engine.OperationID) ([]engine.Transaction, error) {
	return queryTransactions(ctx, ts.tx, transactionColumns+` WHERE operation_id = $1 ORDER BY created_at, seq`, operationID)
}

func (ts *txStore) ListAccountOperations(ctx context.Context, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	return listAccountOperations(ctx, ts.tx, accountID, filter)
}

func (ts *txStore) LockAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id, true)
}

func (ts *txStore) LockOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	return getOperation(ctx, ts.tx, id, true)
}

func (ts *txStore) InsertAccount(ctx context.Context, a engine.Account) error {
	_, err := ts.tx.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES ($1, $2::numeric, $3, $4)`,
		string(a.ID), a.Balance.String(), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", a.ID, engine.ErrDuplicateAccount)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateBalance(ctx context.Context, id engine.AccountID, balance decimal.Decimal, at time.Time) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE accounts SET balance = $1::numeric, updated_at = $2 WHERE id = $3`,
		balance.String(), at, string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, t engine.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions
		(id, account_id, amount, kind, operation_id, balance_after, notes, created_by, cache_repair, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7, $8, $9, $10)`,
		string(t.ID), string(t.AccountID), t.Amount.String(), string(t.Kind),
		nullable(string(t.OperationID)), t.BalanceAfter.String(), nullable(t.Notes), nullable(t.CreatedBy),
		t.CacheRepair, t.CreatedAt,
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
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO operations
		(account_id, customer_id, type, amount, status, packages, selected_package,
		 captcha_image, captcha_expires_at, captcha_solution, corrected, corrected_at,
		 last_heartbeat, heartbeat_expiry, completed_at, result, error, resource_id,
		 created_at, updated_at, id)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
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
	tag, err := ts.tx.Exec(ctx, `
		UPDATE operations SET
			account_id = $1, customer_id = $2, type = $3, amount = $4::numeric, status = $5, packages = $6,
			selected_package = $7, captcha_image = $8, captcha_expires_at = $9, captcha_solution = $10,
			corrected = $11, corrected_at = $12, last_heartbeat = $13, heartbeat_expiry = $14,
			completed_at = $15, result = $16, error = $17, resource_id = $18, created_at = $19, updated_at = $20
		WHERE id = $21`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, engine.ErrOperationNotFound)
	}
	return nil
}

func (ts *txStore) AppendNotification(ctx context.Context, n engine.Notification) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO notifications (id, account_id, title, message, severity, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, string(n.AccountID), n.Title, n.Message, string(n.Severity), nullable(n.Link), n.CreatedAt,
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
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO audit_log (id, action, actor_id, account_id, operation_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Action), nullable(e.ActorID), nullable(string(e.AccountID)),
		nullable(string(e.OperationID)), payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func getAccount(ctx context.Context, q querier, id engine.AccountID, lock bool) (*engine.Account, error) {
	query := `SELECT id, balance::text, created_at, updated_at FROM accounts WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		a           engine.Account
		rawID       string
		balance     string
		created, up time.Time
	)
	err := q.QueryRow(ctx, query, string(id)).Scan(&rawID, &balance, &created, &up)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, engine.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.ID = engine.AccountID(rawID)
	if a.Balance, err = engine.ParseMoney(balance); err != nil {
		return nil, fmt.Errorf("account %s balance: %w", id, err)
	}
	a.CreatedAt = created.UTC()
	a.UpdatedAt = up.UTC()
	return &a, nil
}

const transactionColumns = `
	SELECT id, account_id, amount::text, kind, COALESCE(operation_id, ''), balance_after::text,
	       COALESCE(notes, ''), COALESCE(created_by, ''), cache_repair, created_at
	FROM transactions`

func queryTransactions(ctx context.Context, q querier, query string, arg any) ([]engine.Transaction, error) {
	switch v := arg.(type) {
	case engine.AccountID:
		arg = string(v)
	case engine.OperationID:
		arg = string(v)
	}

	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []engine.Transaction
	for rows.Next() {
		var (
			t                                        engine.Transaction
			id, accountID, amount, kind, operationID string
			balanceAfter                             string
		)
		if err := rows.Scan(&id, &accountID, &amount, &kind, &operationID, &balanceAfter,
			&t.Notes, &t.CreatedBy, &t.CacheRepair, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.ID = engine.TransactionID(id)
		t.AccountID = engine.AccountID(accountID)
		if t.Amount, err = engine.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", id, err)
		}
		t.Kind = engine.TxKind(kind)
		t.OperationID = engine.OperationID(operationID)
		if t.BalanceAfter, err = engine.ParseMoney(balanceAfter); err != nil {
			return nil, fmt.Errorf("transaction %s balance_after: %w", id, err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

const operationColumns = `
	SELECT id, COALESCE(account_id, ''), COALESCE(customer_id, ''), type, amount::text, status, packages,
	       COALESCE(selected_package, ''), COALESCE(captcha_image, ''), captcha_expires_at,
	       COALESCE(captcha_solution, ''), corrected, corrected_at, last_heartbeat, heartbeat_expiry,
	       completed_at, COALESCE(result, ''), COALESCE(error, ''), COALESCE(resource_id, ''),
	       created_at, updated_at
	FROM operations`

func getOperation(ctx context.Context, q querier, id engine.OperationID, lock bool) (*engine.Operation, error) {
	query := operationColumns + ` WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	ops, err := queryOperations(ctx, q, query, string(id))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("operation %s: %w", id, engine.ErrOperationNotFound)
	}
	return &ops[0], nil
}

func listAccountOperations(ctx context.Context, q querier, accountID engine.AccountID, filter engine.OperationFilter) ([]engine.Operation, error) {
	query := operationColumns + ` WHERE account_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{string(accountID)}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return queryOperations(ctx, q, query, args...)
}

func queryOperations(ctx context.Context, q querier, query string, args ...any) ([]engine.Operation, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []engine.Operation
	for rows.Next() {
		var (
			op                            engine.Operation
			id, accountID, amount, status string
			packages                      []byte
		)
		err := rows.Scan(
			&id, &accountID, &op.CustomerID, &op.Type, &amount, &status, &packages,
			&op.SelectedPackage, &op.CaptchaImage, &op.CaptchaExpiresAt,
			&op.CaptchaSolution, &op.Corrected, &op.CorrectedAt, &op.LastHeartbeat, &op.HeartbeatExpiry,
			&op.CompletedAt, &op.Result, &op.Error, &op.ResourceID,
			&op.CreatedAt, &op.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.ID = engine.OperationID(id)
		op.AccountID = engine.AccountID(accountID)
		if op.Amount, err = engine.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("operation %s amount: %w", id, err)
		}
		op.Status = engine.Status(status)
		if len(packages) > 0 {
			if err := json.Unmarshal(packages, &op.Packages); err != nil {
				return nil, fmt.Errorf("failed to decode packages: %w", err)
			}
		}
		op.CreatedAt = op.CreatedAt.UTC()
		op.UpdatedAt = op.UpdatedAt.UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// operationArgs lists every column in the order shared by the INSERT and
// UPDATE statements, with id last.
func operationArgs(op engine.Operation) ([]any, error) {
	var packages []byte
	if len(op.Packages) > 0 {
		b, err := json.Marshal(op.Packages)
		if err != nil {
			return nil, fmt.Errorf("failed to encode packages: %w", err)
		}
		packages = b
	}
	return []any{
		nullable(string(op.AccountID)),
		nullable(op.CustomerID),
		op.Type,
		op.Amount.String(),
		string(op.Status),
		packages,
		nullable(op.SelectedPackage),
		nullable(op.CaptchaImage),
		op.CaptchaExpiresAt,
		nullable(op.CaptchaSolution),
		op.Corrected,
		op.CorrectedAt,
		op.LastHeartbeat,
		op.HeartbeatExpiry,
		op.CompletedAt,
		nullable(op.Result),
		nullable(op.Error),
		nullable(op.ResourceID),
		op.CreatedAt,
		op.UpdatedAt,
		string(op.ID),
	}, nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ engine.Store = (*Store)(nil)
