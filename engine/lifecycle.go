/*
lifecycle.go - Operation lifecycle service

PURPOSE:
  Applies every status write an Operation can receive, together with its
  money effect, in one unit of work:

    Create         PENDING + OPERATION_DEDUCT when the price is known
    SelectPackage  late pricing: amount set once, then deducted
    Advance        worker progress along the transition table
    Heartbeat      client liveness in interactive states
    SubmitCaptcha  client input while AWAITING_CAPTCHA
    Cancel         owner cancellation, refund-once then CANCELLED

  Terminal writes other than COMPLETED go through terminate(), which the
  liveness sweep shares. Refunds are guarded by refundOnce, so a cancel that
  races an expiry (or a worker failure) refunds exactly once: the loser finds
  a terminal status and no-ops.

SIDE EFFECTS:
  Lock release, heartbeat key removal and notification delivery happen after
  commit and never fail the call.

SEE ALSO:
  - operation.go: Transition table
  - liveness.go:  Forced expiry
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ternarybob/arbor"
)

// DefaultHeartbeatPeriod is the liveness window opened by entering an
// interactive status and extended by each client heartbeat.
const DefaultHeartbeatPeriod = 60 * time.Second

// Caller identifies who is acting on an operation. Admin callers bypass
// ownership checks.
type Caller struct {
	ID    string
	Admin bool
}

func (c Caller) actor() string {
	if c.Admin {
		return ActorAdmin
	}
	return c.ID
}

func (c Caller) authorize(op *Operation) error {
	if c.Admin || op.OwnedBy(c.ID) {
		return nil
	}
	return fmt.Errorf("operation %s: %w", op.ID, ErrNotOwner)
}

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

type CreateRequest struct {
	AccountID  AccountID
	CustomerID string
	Type       string
	Amount     decimal.Decimal
	ResourceID string
}

// ProgressUpdate is one worker callback. Zero-valued fields are left as is.
type ProgressUpdate struct {
	Status           Status
	Packages         []Package
	CaptchaImage     string
	CaptchaExpiresAt *time.Time
	Result           string
	Error            string

	// Amount prices an operation created at zero. It can be set only once.
	Amount *decimal.Decimal
}

type HeartbeatStatus struct {
	Status    Status
	Alive     bool
	ExpiresAt *time.Time
}

type CancelResult struct {
	Operation *Operation
	Refunded  decimal.Decimal

	// Noop is true when the operation was already cancelled or expired.
	Noop bool
}

// =============================================================================
// SERVICE
// =============================================================================

type Operations struct {
	Store      Store
	Logger     arbor.ILogger
	Locks      LockStore
	Heartbeats HeartbeatTracker
	Sink       NotificationSink
	Now        func() time.Time

	HeartbeatPeriod time.Duration
}

func NewOperations(store Store, logger arbor.ILogger) *Operations {
	return &Operations{
		Store:           store,
		Logger:          logger,
		Locks:           NopLockStore,
		Heartbeats:      NopHeartbeatTracker,
		Sink:            NopSink,
		Now:             time.Now,
		HeartbeatPeriod: DefaultHeartbeatPeriod,
	}
}

// Create records a new operation in PENDING. When the operation is billed
// and priced, the reservation is deducted in the same unit of work.
func (s *Operations) Create(ctx context.Context, req CreateRequest, caller Caller) (*Operation, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("%w: operation type is required", ErrInvalidRequest)
	}
	if req.AccountID == "" && req.CustomerID == "" {
		return nil, fmt.Errorf("%w: account or customer is required", ErrInvalidRequest)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount cannot be negative", ErrInvalidAmount)
	}
	if !ValidMoneyPrecision(req.Amount) {
		return nil, fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidAmount, MoneyPlaces)
	}
	if req.Amount.IsPositive() && req.AccountID == "" {
		return nil, fmt.Errorf("%w: a priced operation needs a billed account", ErrInvalidRequest)
	}
	if !caller.Admin && string(req.AccountID) != caller.ID && req.CustomerID != caller.ID {
		return nil, ErrForbidden
	}

	now := s.Now().UTC()
	op := Operation{
		ID:         OperationID(newID()),
		AccountID:  req.AccountID,
		CustomerID: req.CustomerID,
		Type:       req.Type,
		Amount:     req.Amount,
		Status:     StatusPending,
		ResourceID: req.ResourceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if op.ResourceID != "" {
		ok, err := s.Locks.Acquire(ctx, op.ResourceID, op.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire resource lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("resource %s: %w", op.ResourceID, ErrResourceBusy)
		}
	}

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		if op.AccountID != "" {
			if _, err := tx.LockAccount(ctx, op.AccountID); err != nil {
				return err
			}
		}
		if err := tx.InsertOperation(ctx, op); err != nil {
			return err
		}
		if op.Charged() {
			if _, err := ApplyEntry(ctx, tx, Entry{
				AccountID:   op.AccountID,
				Kind:        TxOperationDeduct,
				Amount:      op.Amount.Neg(),
				OperationID: op.ID,
				Notes:       fmt.Sprintf("%s operation", op.Type),
				CreatedBy:   caller.actor(),
			}, now); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ID:          newID(),
			Action:      AuditOperationCreated,
			ActorID:     caller.actor(),
			AccountID:   op.AccountID,
			OperationID: op.ID,
			Payload: map[string]any{
				"type":        op.Type,
				"amount":      op.Amount.String(),
				"resource_id": op.ResourceID,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		if op.ResourceID != "" {
			s.releaseLock(ctx, &op)
		}
		return nil, err
	}

	s.Logger.Info().
		Str("operation_id", string(op.ID)).
		Str("account_id", string(op.AccountID)).
		Str("type", op.Type).
		Str("amount", op.Amount.StringFixed(2)).
		Msg("Operation created")
	return &op, nil
}

// Get returns the operation if the caller may see it.
func (s *Operations) Get(ctx context.Context, id OperationID, caller Caller) (*Operation, error) {
	op, err := s.Store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := caller.authorize(op); err != nil {
		return nil, err
	}
	return op, nil
}

// List pages through an account's operations, newest first.
func (s *Operations) List(ctx context.Context, accountID AccountID, filter OperationFilter) ([]Operation, error) {
	if _, err := s.Store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.Store.ListAccountOperations(ctx, accountID, filter)
}

// Heartbeat extends the liveness window. Re-sending is harmless. Outside an
// interactive status it reports Alive=false and writes nothing.
func (s *Operations) Heartbeat(ctx context.Context, id OperationID, caller Caller) (*HeartbeatStatus, error) {
	now := s.Now().UTC()
	var hb HeartbeatStatus

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		if err := caller.authorize(op); err != nil {
			return err
		}
		hb.Status = op.Status
		if !op.Status.IsInteractive() {
			return nil
		}
		op.stampHeartbeat(now, s.HeartbeatPeriod)
		op.UpdatedAt = now
		hb.Alive = true
		hb.ExpiresAt = op.HeartbeatExpiry
		return tx.UpdateOperation(ctx, *op)
	})
	if err != nil {
		return nil, err
	}

	if hb.Alive {
		if err := s.Heartbeats.Touch(ctx, id, s.HeartbeatPeriod); err != nil {
			s.Logger.Warn().Err(err).Str("operation_id", string(id)).Msg("Heartbeat key refresh failed")
		}
	}
	return &hb, nil
}

// Cancel terminates a cancellable operation on its owner's request and
// refunds its reservation once.
func (s *Operations) Cancel(ctx context.Context, id OperationID, caller Caller) (*CancelResult, error) {
	now := s.Now().UTC()
	result := CancelResult{Refunded: decimal.Zero}
	var outbox []Notification

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		if err := caller.authorize(op); err != nil {
			return err
		}
		result.Operation = op

		if op.Status == StatusCancelled || op.Status == StatusExpired {
			result.Noop = true
			return nil
		}
		if !op.Status.IsCancellable() {
			return fmt.Errorf("operation %s in %s: %w", op.ID, op.Status, ErrNotCancellable)
		}

		refunded, n, err := terminate(ctx, tx, op, termination{
			status:   StatusCancelled,
			reason:   "Cancelled by user",
			actor:    caller.actor(),
			action:   AuditOperationCancelled,
			title:    "Operation cancelled",
			severity: SeverityInfo,
		}, now)
		if err != nil {
			return err
		}
		result.Refunded = refunded
		outbox = append(outbox, n...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Noop {
		s.afterTerminal(ctx, result.Operation, outbox)
		s.Logger.Info().
			Str("operation_id", string(id)).
			Str("refunded", result.Refunded.StringFixed(2)).
			Msg("Operation cancelled")
	}
	return &result, nil
}

// SelectPackage records the client's choice from the worker-published list.
// An operation created without a price takes the package price as its
// amount, deducted in the same unit of work.
func (s *Operations) SelectPackage(ctx context.Context, id OperationID, packageID string, caller Caller) (*Operation, error) {
	now := s.Now().UTC()
	var updated *Operation

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		if err := caller.authorize(op); err != nil {
			return err
		}
		if op.Status != StatusAwaitingPackage {
			return fmt.Errorf("operation %s in %s: %w", op.ID, op.Status, ErrNotInteractive)
		}
		if op.SelectedPackage != "" {
			return fmt.Errorf("operation %s: package already selected: %w", op.ID, ErrAmountAlreadySet)
		}
		pkg, ok := op.FindPackage(packageID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPackage, packageID)
		}

		op.SelectedPackage = pkg.ID
		if op.Amount.IsZero() && pkg.Price.IsPositive() {
			if err := s.price(ctx, tx, op, pkg.Price, caller.actor(), now); err != nil {
				return err
			}
		}
		op.stampHeartbeat(now, s.HeartbeatPeriod)
		op.UpdatedAt = now
		if err := tx.UpdateOperation(ctx, *op); err != nil {
			return err
		}
		updated = op
		return tx.AppendAudit(ctx, AuditEntry{
			ID:          newID(),
			Action:      AuditPackageSelected,
			ActorID:     caller.actor(),
			AccountID:   op.AccountID,
			OperationID: op.ID,
			Payload: map[string]any{
				"package_id": pkg.ID,
				"price":      pkg.Price.String(),
				"amount":     op.Amount.String(),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SubmitCaptcha stores the client's solution for the worker to pick up.
func (s *Operations) SubmitCaptcha(ctx context.Context, id OperationID, solution string, caller Caller) (*Operation, error) {
	if strings.TrimSpace(solution) == "" {
		return nil, fmt.Errorf("%w: captcha solution is required", ErrInvalidRequest)
	}
	now := s.Now().UTC()
	var updated *Operation

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		if err := caller.authorize(op); err != nil {
			return err
		}
		if op.Status != StatusAwaitingCaptcha {
			return fmt.Errorf("operation %s in %s: %w", op.ID, op.Status, ErrNotInteractive)
		}
		if op.CaptchaExpiresAt != nil && now.After(*op.CaptchaExpiresAt) {
			return ErrCaptchaExpired
		}
		op.CaptchaSolution = solution
		op.stampHeartbeat(now, s.HeartbeatPeriod)
		op.UpdatedAt = now
		updated = op
		return tx.UpdateOperation(ctx, *op)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Advance applies a worker progress callback. A repeated callback for the
// status the operation is already in only refreshes its artifacts, and one
// for a terminal operation is ignored.
func (s *Operations) Advance(ctx context.Context, id OperationID, update ProgressUpdate) (*Operation, error) {
	if !update.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, update.Status)
	}
	now := s.Now().UTC()
	var (
		updated   *Operation
		prior     Status
		outbox    []Notification
		duplicate bool
	)

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		op, err := tx.LockOperation(ctx, id)
		if err != nil {
			return err
		}
		prior = op.Status
		updated = op

		if op.Status.IsTerminal() && op.Status == update.Status {
			duplicate = true
			return nil
		}
		if op.Status != update.Status {
			if err := ValidateTransition(op.Status, update.Status); err != nil {
				return err
			}
		}

		if update.Amount != nil {
			if err := s.priceFromWorker(ctx, tx, op, *update.Amount, now); err != nil {
				return err
			}
		}
		applyArtifacts(op, update)

		switch update.Status {
		case StatusCompleted:
			op.finish(StatusCompleted, now)
		case StatusFailed, StatusExpired, StatusCancelled:
			reason := update.Error
			if reason == "" {
				reason = fmt.Sprintf("Operation %s during %s", strings.ToLower(string(update.Status)), phaseLabel(prior))
			}
			_, n, err := terminate(ctx, tx, op, termination{
				status:   update.Status,
				reason:   reason,
				actor:    ActorWorker,
				action:   terminalAction(update.Status),
				title:    terminalTitle(update.Status),
				severity: SeverityWarning,
			}, now)
			if err != nil {
				return err
			}
			outbox = append(outbox, n...)
			return nil
		default:
			if update.Status != prior && update.Status.IsInteractive() {
				op.stampHeartbeat(now, s.HeartbeatPeriod)
			}
			op.Status = update.Status
			op.UpdatedAt = now
		}

		if err := tx.UpdateOperation(ctx, *op); err != nil {
			return err
		}
		if update.Status == prior {
			return nil
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ID:          newID(),
			Action:      AuditOperationAdvanced,
			ActorID:     ActorWorker,
			AccountID:   op.AccountID,
			OperationID: op.ID,
			Payload: map[string]any{
				"from": string(prior),
				"to":   string(update.Status),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.Logger.Debug().Str("operation_id", string(id)).Str("status", string(prior)).Msg("Duplicate terminal progress ignored")
		return updated, nil
	}

	if updated.Status.IsTerminal() {
		s.afterTerminal(ctx, updated, outbox)
	} else if updated.Status.IsInteractive() && updated.Status != prior {
		if err := s.Heartbeats.Touch(ctx, id, s.HeartbeatPeriod); err != nil {
			s.Logger.Warn().Err(err).Str("operation_id", string(id)).Msg("Heartbeat key refresh failed")
		}
	}

	s.Logger.Info().
		Str("operation_id", string(id)).
		Str("from", string(prior)).
		Str("to", string(updated.Status)).
		Msg("Operation advanced")
	return updated, nil
}

func applyArtifacts(op *Operation, u ProgressUpdate) {
	if len(u.Packages) > 0 {
		op.Packages = u.Packages
	}
	if u.CaptchaImage != "" {
		op.CaptchaImage = u.CaptchaImage
		op.CaptchaSolution = ""
	}
	if u.CaptchaExpiresAt != nil {
		expires := u.CaptchaExpiresAt.UTC()
		op.CaptchaExpiresAt = &expires
	}
	if u.Result != "" {
		op.Result = u.Result
	}
	if u.Error != "" {
		op.Error = u.Error
	}
}

func terminalTitle(s Status) string {
	switch s {
	case StatusCancelled:
		return "Operation cancelled"
	case StatusExpired:
		return "Operation expired"
	}
	return "Operation failed"
}

func terminalAction(s Status) AuditAction {
	switch s {
	case StatusCancelled:
		return AuditOperationCancelled
	case StatusExpired:
		return AuditOperationExpired
	}
	return AuditOperationFailed
}

// priceFromWorker sets the amount reported by the worker. Repeating the
// same amount is accepted so duplicate callbacks stay harmless.
func (s *Operations) priceFromWorker(ctx context.Context, tx Tx, op *Operation, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() || !ValidMoneyPrecision(amount) {
		return fmt.Errorf("%w: amount must be positive with at most %d decimal places", ErrInvalidAmount, MoneyPlaces)
	}
	if op.Amount.IsPositive() {
		if op.Amount.Equal(amount) {
			return nil
		}
		return fmt.Errorf("operation %s: %w", op.ID, ErrAmountAlreadySet)
	}
	return s.price(ctx, tx, op, amount, ActorWorker, now)
}

// price sets a zero-priced operation's amount and reserves it.
func (s *Operations) price(ctx context.Context, tx Tx, op *Operation, amount decimal.Decimal, actor string, now time.Time) error {
	op.Amount = amount
	if !op.Charged() {
		return nil
	}
	_, err := ApplyEntry(ctx, tx, Entry{
		AccountID:   op.AccountID,
		Kind:        TxOperationDeduct,
		Amount:      amount.Neg(),
		OperationID: op.ID,
		Notes:       fmt.Sprintf("%s operation", op.Type),
		CreatedBy:   actor,
	}, now)
	return err
}

func (s *Operations) afterTerminal(ctx context.Context, op *Operation, outbox []Notification) {
	releaseExternal(ctx, s.Locks, s.Heartbeats, s.Logger, op)
	dispatch(ctx, s.Sink, s.Logger, outbox)
}

func (s *Operations) releaseLock(ctx context.Context, op *Operation) {
	if err := s.Locks.Release(ctx, op.ResourceID, op.ID); err != nil {
		s.Logger.Warn().Err(err).Str("resource_id", op.ResourceID).Msg("Resource lock release failed")
	}
}

// =============================================================================
// TERMINATION - shared by cancel, worker failure and the liveness sweep
// =============================================================================

type termination struct {
	status   Status
	reason   string
	actor    string
	action   AuditAction
	title    string
	severity Severity
}

// terminate refunds once, writes the terminal status, and records the
// notification and audit entry, all inside tx. The caller dispatches the
// returned notification after commit.
func terminate(ctx context.Context, tx Tx, op *Operation, t termination, now time.Time) (decimal.Decimal, []Notification, error) {
	prior := op.Status
	if err := ValidateTransition(prior, t.status); err != nil {
		return decimal.Zero, nil, err
	}

	refunded, refund, err := refundOnce(ctx, tx, op, now, t.actor, t.reason)
	if err != nil {
		return decimal.Zero, nil, err
	}

	op.finish(t.status, now)
	op.Error = t.reason
	if err := tx.UpdateOperation(ctx, *op); err != nil {
		return decimal.Zero, nil, err
	}

	message := t.reason + "."
	if refunded.IsPositive() {
		message = fmt.Sprintf("%s %s has been refunded to your balance.", message, refunded.StringFixed(2))
	}
	n := Notification{
		ID:        newID(),
		AccountID: op.AccountID,
		Title:     t.title,
		Message:   message,
		Severity:  t.severity,
		Link:      "/operations/" + string(op.ID),
		CreatedAt: now,
	}
	var outbox []Notification
	if op.AccountID != "" {
		if err := tx.AppendNotification(ctx, n); err != nil {
			return decimal.Zero, nil, err
		}
		outbox = append(outbox, n)
	}

	payload := map[string]any{
		"prior_status":     string(prior),
		"status":           string(t.status),
		"reason":           t.reason,
		"refunded":         refunded.String(),
		"last_heartbeat":   formatTime(op.LastHeartbeat),
		"heartbeat_expiry": formatTime(op.HeartbeatExpiry),
	}
	if refund != nil {
		payload["refund_transaction_id"] = string(refund.ID)
	}
	if err := tx.AppendAudit(ctx, AuditEntry{
		ID:          newID(),
		Action:      t.action,
		ActorID:     t.actor,
		AccountID:   op.AccountID,
		OperationID: op.ID,
		Payload:     payload,
		CreatedAt:   now,
	}); err != nil {
		return decimal.Zero, nil, err
	}
	return refunded, outbox, nil
}

// releaseExternal drops the provider lock and heartbeat key of a terminal
// operation. Failures are logged; the lock TTL bounds any leak.
func releaseExternal(ctx context.Context, locks LockStore, tracker HeartbeatTracker, logger arbor.ILogger, op *Operation) bool {
	released := false
	if op.ResourceID != "" {
		if err := locks.Release(ctx, op.ResourceID, op.ID); err != nil {
			logger.Warn().Err(err).
				Str("operation_id", string(op.ID)).
				Str("resource_id", op.ResourceID).
				Msg("Resource lock release failed")
		} else {
			released = true
		}
	}
	if err := tracker.Remove(ctx, op.ID); err != nil {
		logger.Warn().Err(err).Str("operation_id", string(op.ID)).Msg("Heartbeat key removal failed")
	}
	return released
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
