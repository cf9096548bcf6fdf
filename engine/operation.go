/*
operation.go - Operation record and its state machine

PURPOSE:
  An Operation is one requested automation job. It carries its price, the
  artifacts the worker publishes for the client (package list, captcha),
  and liveness metadata for interactive phases.

STATE MACHINE:
  PENDING ─▶ AWAITING_PACKAGE ─▶ AWAITING_PAYMENT ─▶ PROCESSING
                                                         │
            ┌─────────────── AWAITING_CAPTCHA ◀──────────┤
            ▼                       │                    │
   AWAITING_FINAL_CONFIRM ◀─────────┴────────────────────┤
            │                                            ▼
            └───────────────────────────────────────▶ COMPLETING ─▶ COMPLETED

  FAILED and EXPIRED are reachable from every non-terminal status.
  CANCELLED is reachable only from the cancellable set.
  Terminal records are immutable except for the one-time corrected flag.

SEE ALSO:
  - lifecycle.go: Service applying transitions with their ledger effects
  - liveness.go:  Sweep expiring silent interactive operations
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending              Status = "PENDING"
	StatusAwaitingPackage      Status = "AWAITING_PACKAGE"
	StatusAwaitingPayment      Status = "AWAITING_PAYMENT"
	StatusProcessing           Status = "PROCESSING"
	StatusAwaitingCaptcha      Status = "AWAITING_CAPTCHA"
	StatusAwaitingFinalConfirm Status = "AWAITING_FINAL_CONFIRM"
	StatusCompleting           Status = "COMPLETING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
	StatusExpired              Status = "EXPIRED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusAwaitingPackage,
	StatusAwaitingPayment,
	StatusProcessing,
	StatusAwaitingCaptcha,
	StatusAwaitingFinalConfirm,
	StatusCompleting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
}

// forward holds the non-terminal edges. Terminal edges are derived below.
var forward = map[Status][]Status{
	StatusPending:              {StatusAwaitingPackage, StatusAwaitingPayment, StatusProcessing},
	StatusAwaitingPackage:      {StatusAwaitingPayment, StatusProcessing},
	StatusAwaitingPayment:      {StatusProcessing},
	StatusProcessing:           {StatusAwaitingCaptcha, StatusAwaitingFinalConfirm, StatusCompleting},
	StatusAwaitingCaptcha:      {StatusProcessing, StatusAwaitingFinalConfirm, StatusCompleting},
	StatusAwaitingFinalConfirm: {StatusCompleting},
	StatusCompleting:           {StatusCompleted},
}

var cancellable = map[Status]bool{
	StatusPending:         true,
	StatusAwaitingPackage: true,
	StatusAwaitingPayment: true,
	StatusAwaitingCaptcha: true,
}

var interactive = map[Status]bool{
	StatusAwaitingPackage:      true,
	StatusAwaitingPayment:      true,
	StatusAwaitingCaptcha:      true,
	StatusAwaitingFinalConfirm: true,
}

// SweepStatuses are the interactive statuses the liveness sweep expires.
var SweepStatuses = []Status{
	StatusAwaitingPackage,
	StatusAwaitingFinalConfirm,
	StatusAwaitingCaptcha,
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsInteractive reports whether the status waits on a human or client loop
// and therefore requires heartbeats.
func (s Status) IsInteractive() bool { return interactive[s] }

func (s Status) IsCancellable() bool { return cancellable[s] }

// CanTransition reports whether from -> to is a documented edge.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !from.Valid() || !to.Valid() {
		return false
	}
	switch to {
	case StatusFailed, StatusExpired:
		return true
	case StatusCancelled:
		return from.IsCancellable()
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError for undocumented edges.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// =============================================================================
// OPERATION
// =============================================================================

// Package is one choice the worker offers while AWAITING_PACKAGE.
type Package struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Operation struct {
	ID OperationID

	// AccountID is the billed account. It may be empty in storefront flows
	// where a separate customer principal initiated the job.
	AccountID  AccountID
	CustomerID string

	Type   string
	Amount decimal.Decimal
	Status Status

	// Worker-published artifacts and client input
	Packages         []Package
	SelectedPackage  string
	CaptchaImage     string
	CaptchaExpiresAt *time.Time
	CaptchaSolution  string

	// Set once when a correction has been applied against this operation
	Corrected   bool
	CorrectedAt *time.Time

	// Liveness
	LastHeartbeat   *time.Time
	HeartbeatExpiry *time.Time

	CompletedAt *time.Time
	Result      string
	Error       string

	// ResourceID names the provider account being driven. It keys the
	// external lock.
	ResourceID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Charged reports whether the operation holds money that a refund would return.
func (op *Operation) Charged() bool {
	return op.AccountID != "" && op.Amount.IsPositive()
}

// OwnedBy reports whether caller may act on the operation.
func (op *Operation) OwnedBy(caller string) bool {
	if caller == "" {
		return false
	}
	return string(op.AccountID) == caller || (op.CustomerID != "" && op.CustomerID == caller)
}

// FindPackage returns the published package with the given id.
func (op *Operation) FindPackage(id string) (Package, bool) {
	for _, p := range op.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// stampHeartbeat opens or extends the liveness window.
func (op *Operation) stampHeartbeat(now time.Time, period time.Duration) {
	last := now
	expiry := now.Add(period)
	op.LastHeartbeat = &last
	op.HeartbeatExpiry = &expiry
}

// finish moves the operation into a terminal status.
func (op *Operation) finish(status Status, now time.Time) {
	completed := now
	op.Status = status
	op.CompletedAt = &completed
	op.UpdatedAt = now
}

// phaseLabel is the human-readable name of an interactive phase.
func phaseLabel(s Status) string {
	switch s {
	case StatusAwaitingPackage:
		return "package selection"
	case StatusAwaitingPayment:
		return "payment"
	case StatusAwaitingCaptcha:
		return "captcha verification"
	case StatusAwaitingFinalConfirm:
		return "final confirmation"
	}
	return string(s)
}
