package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
	"github.com/warp/operation-ledger/engine/store"
	"github.com/warp/operation-ledger/engine/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return store.NewMemory()
	})
}

// =============================================================================
// FIXTURES - drift injection used by correction tests
// =============================================================================

func TestMemory_SetBalanceBypassesLedger(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := engine.NewLedger(m, arbor.NewLogger())

	_, err := ledger.CreateAccount(ctx, "acct-1")
	require.NoError(t, err)
	_, err = ledger.Deposit(ctx, "acct-1", engine.Money(100), "", engine.ActorAdmin)
	require.NoError(t, err)

	require.NoError(t, m.SetBalance("acct-1", engine.Money(120)))

	rec, err := ledger.Reconcile(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, rec.IsValid)
	assert.True(t, engine.Money(20).Equal(rec.Discrepancy))

	assert.True(t, engine.IsNotFound(m.SetBalance("missing", engine.Money(1))))
}

func TestMemory_InjectTransactionLeavesCache(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ledger := engine.NewLedger(m, arbor.NewLogger())
	_, err := ledger.CreateAccount(ctx, "acct-1")
	require.NoError(t, err)

	m.InjectTransaction(engine.Transaction{
		ID:        "legacy-1",
		AccountID: "acct-1",
		Amount:    engine.Money(5),
		Kind:      engine.TxRefund,
	})

	a, err := m.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())

	txs, err := m.ListTransactions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemory_CancelledContext(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(engine.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
