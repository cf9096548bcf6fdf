package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/operation-ledger/engine"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// documented lists every allowed edge explicitly, so a change to the table in
// operation.go has to be mirrored here.
var documented = map[engine.Status][]engine.Status{
	engine.StatusPending: {
		engine.StatusAwaitingPackage, engine.StatusAwaitingPayment, engine.StatusProcessing,
		engine.StatusFailed, engine.StatusExpired, engine.StatusCancelled,
	},
	engine.StatusAwaitingPackage: {
		engine.StatusAwaitingPayment, engine.StatusProcessing,
		engine.StatusFailed, engine.StatusExpired, engine.StatusCancelled,
	},
	engine.StatusAwaitingPayment: {
		engine.StatusProcessing,
		engine.StatusFailed, engine.StatusExpired, engine.StatusCancelled,
	},
	engine.StatusProcessing: {
		engine.StatusAwaitingCaptcha, engine.StatusAwaitingFinalConfirm, engine.StatusCompleting,
		engine.StatusFailed, engine.StatusExpired,
	},
	engine.StatusAwaitingCaptcha: {
		engine.StatusProcessing, engine.StatusAwaitingFinalConfirm, engine.StatusCompleting,
		engine.StatusFailed, engine.StatusExpired, engine.StatusCancelled,
	},
	engine.StatusAwaitingFinalConfirm: {
		engine.StatusCompleting,
		engine.StatusFailed, engine.StatusExpired,
	},
	engine.StatusCompleting: {
		engine.StatusCompleted,
		engine.StatusFailed, engine.StatusExpired,
	},
}

func TestCanTransition_MatchesDocumentedTable(t *testing.T) {
	for _, from := range engine.AllStatuses {
		allowed := make(map[engine.Status]bool)
		for _, to := range documented[from] {
			allowed[to] = true
		}
		for _, to := range engine.AllStatuses {
			assert.Equal(t, allowed[to], engine.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_TerminalStatusesAreClosed(t *testing.T) {
	for _, from := range engine.AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range engine.AllStatuses {
			assert.False(t, engine.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, engine.CanTransition("BOGUS", engine.StatusFailed))
	assert.False(t, engine.CanTransition(engine.StatusPending, "BOGUS"))
}

func TestValidateTransition_ReturnsStructuredError(t *testing.T) {
	err := engine.ValidateTransition(engine.StatusCompleted, engine.StatusProcessing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidTransition))
	assert.True(t, engine.IsConflict(err))

	var te *engine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, engine.StatusCompleted, te.From)
	assert.Equal(t, engine.StatusProcessing, te.To)

	assert.NoError(t, engine.ValidateTransition(engine.StatusPending, engine.StatusProcessing))
}

// =============================================================================
// STATUS CLASSES
// =============================================================================

func TestStatusClasses(t *testing.T) {
	cancellable := []engine.Status{
		engine.StatusPending, engine.StatusAwaitingPackage,
		engine.StatusAwaitingPayment, engine.StatusAwaitingCaptcha,
	}
	interactive := []engine.Status{
		engine.StatusAwaitingPackage, engine.StatusAwaitingPayment,
		engine.StatusAwaitingCaptcha, engine.StatusAwaitingFinalConfirm,
	}
	for _, s := range engine.AllStatuses {
		assert.Equal(t, contains(cancellable, s), s.IsCancellable(), "cancellable %s", s)
		assert.Equal(t, contains(interactive, s), s.IsInteractive(), "interactive %s", s)
	}

	// The sweep only expires interactive statuses.
	for _, s := range engine.SweepStatuses {
		assert.True(t, s.IsInteractive(), "%s", s)
	}
}

func contains(list []engine.Status, s engine.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestOperation_OwnershipAndCharge(t *testing.T) {
	op := engine.Operation{AccountID: "acct-1", CustomerID: "cust-9", Amount: engine.Money(10)}

	assert.True(t, op.OwnedBy("acct-1"))
	assert.True(t, op.OwnedBy("cust-9"))
	assert.False(t, op.OwnedBy("acct-2"))
	assert.False(t, op.OwnedBy(""))
	assert.True(t, op.Charged())

	// Storefront operations without a billed account never hold money.
	storefront := engine.Operation{CustomerID: "cust-9", Amount: engine.Money(10)}
	assert.False(t, storefront.Charged())
}
