package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
	"github.com/warp/operation-ledger/engine/store"
	"github.com/warp/operation-ledger/notify"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

var admin = engine.Caller{Admin: true}

func owner(id engine.AccountID) engine.Caller {
	return engine.Caller{ID: string(id)}
}

// clock is a settable time source shared by every service in a fixture.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLocks records lock and heartbeat traffic in memory.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]engine.OperationID
	released []string
	touched  map[engine.OperationID]int
	removed  []engine.OperationID
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		held:    make(map[string]engine.OperationID),
		touched: make(map[engine.OperationID]int),
	}
}

func (l *fakeLocks) Acquire(_ context.Context, resourceID string, owner engine.OperationID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.held[resourceID]; ok && holder != owner {
		return false, nil
	}
	l.held[resourceID] = owner
	return true, nil
}

func (l *fakeLocks) Release(_ context.Context, resourceID string, owner engine.OperationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[resourceID] == owner {
		delete(l.held, resourceID)
	}
	l.released = append(l.released, resourceID)
	return nil
}

func (l *fakeLocks) Touch(_ context.Context, id engine.OperationID, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched[id]++
	return nil
}

func (l *fakeLocks) Remove(_ context.Context, id engine.OperationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, id)
	return nil
}

func (l *fakeLocks) isHeld(resourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[resourceID]
	return ok
}

// failingStore fails LockOperation for one operation id, to exercise
// per-operation error handling.
type failingStore struct {
	*store.Memory
	failOn engine.OperationID
}

func (s *failingStore) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx engine.Tx) error {
		return fn(failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	engine.Tx
	failOn engine.OperationID
}

var errLockTimeout = errors.New("row lock timeout")

func (tx failingTx) LockOperation(ctx context.Context, id engine.OperationID) (*engine.Operation, error) {
	if id == tx.failOn {
		return nil, errLockTimeout
	}
	return tx.Tx.LockOperation(ctx, id)
}

// fixture wires every engine service over one memory store and clock.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	clock *clock
	sink  *notify.Recorder
	locks *fakeLocks

	ledger    *engine.Ledger
	ops       *engine.Operations
	sweeper   *engine.Sweeper
	corrector *engine.Corrector
	auditor   *engine.Auditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		clock: &clock{now: t0},
		sink:  &notify.Recorder{},
		locks: newFakeLocks(),
	}
	f.wire(f.store)
	return f
}

// wire (re)builds the services over st, keeping the shared collaborators.
func (f *fixture) wire(st engine.Store) {
	logger := arbor.NewLogger()

	f.ledger = engine.NewLedger(st, logger)
	f.ledger.Now = f.clock.Now

	f.ops = engine.NewOperations(st, logger)
	f.ops.Locks = f.locks
	f.ops.Heartbeats = f.locks
	f.ops.Sink = f.sink
	f.ops.Now = f.clock.Now

	f.sweeper = engine.NewSweeper(st, logger)
	f.sweeper.Locks = f.locks
	f.sweeper.Heartbeats = f.locks
	f.sweeper.Sink = f.sink
	f.sweeper.Now = f.clock.Now

	f.corrector = engine.NewCorrector(st, logger, f.sink)
	f.corrector.Now = f.clock.Now

	f.auditor = engine.NewAuditor(st)
}

// account creates an account funded through a real deposit.
func (f *fixture) account(id engine.AccountID, funded float64) engine.AccountID {
	f.t.Helper()
	_, err := f.ledger.CreateAccount(f.ctx, id)
	require.NoError(f.t, err)
	if funded > 0 {
		_, err = f.ledger.Deposit(f.ctx, id, engine.Money(funded), "top-up", engine.ActorAdmin)
		require.NoError(f.t, err)
	}
	return id
}

func (f *fixture) balance(id engine.AccountID) decimal.Decimal {
	f.t.Helper()
	a, err := f.store.GetAccount(f.ctx, id)
	require.NoError(f.t, err)
	return a.Balance
}

func (f *fixture) create(id engine.AccountID, amount float64, resourceID string) *engine.Operation {
	f.t.Helper()
	op, err := f.ops.Create(f.ctx, engine.CreateRequest{
		AccountID:  id,
		Type:       "renewal",
		Amount:     engine.Money(amount),
		ResourceID: resourceID,
	}, owner(id))
	require.NoError(f.t, err)
	return op
}

// advance walks the operation through each status in order.
func (f *fixture) advance(id engine.OperationID, statuses ...engine.Status) *engine.Operation {
	f.t.Helper()
	var op *engine.Operation
	for _, s := range statuses {
		var err error
		op, err = f.ops.Advance(f.ctx, id, engine.ProgressUpdate{Status: s})
		require.NoError(f.t, err)
	}
	return op
}

func (f *fixture) operation(id engine.OperationID) *engine.Operation {
	f.t.Helper()
	op, err := f.store.GetOperation(f.ctx, id)
	require.NoError(f.t, err)
	return op
}

// insert writes an operation directly, bypassing the lifecycle service.
func (f *fixture) insert(op engine.Operation) {
	f.t.Helper()
	require.NoError(f.t, f.store.WithTx(f.ctx, func(tx engine.Tx) error {
		return tx.InsertOperation(f.ctx, op)
	}))
}

// injectRefund appends a REFUND without moving the cached balance.
func (f *fixture) injectRefund(account engine.AccountID, op engine.OperationID, amount float64) {
	f.store.InjectTransaction(engine.Transaction{
		ID:          engine.TransactionID("injected-" + string(op) + "-" + f.clock.Now().Format(time.RFC3339Nano)),
		AccountID:   account,
		Amount:      engine.Money(amount),
		Kind:        engine.TxRefund,
		OperationID: op,
		Notes:       "legacy duplicate refund",
		CreatedBy:   engine.ActorSystem,
		CreatedAt:   f.clock.Now(),
	})
}

func (f *fixture) refunds(op engine.OperationID) []engine.Transaction {
	f.t.Helper()
	txs, err := f.store.ListOperationTransactions(f.ctx, op)
	require.NoError(f.t, err)
	var out []engine.Transaction
	for _, t := range txs {
		if t.Kind == engine.TxRefund {
			out = append(out, t)
		}
	}
	return out
}

func (f *fixture) reconcile(id engine.AccountID) *engine.Reconciliation {
	f.t.Helper()
	rec, err := f.ledger.Reconcile(f.ctx, id)
	require.NoError(f.t, err)
	return rec
}

func requireMoney(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	require.True(t, engine.Money(want).Equal(got), "want %.2f, got %s", want, got.StringFixed(2))
}
