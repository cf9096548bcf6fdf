/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's records from the wire contract: money is always rendered
  as a fixed two-decimal string, ids as plain strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  validate.Struct before calling the engine; the engine still checks
  amounts and state, so a tag is never the only guard.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/operation-ledger/engine"
)

func money(d decimal.Decimal) string { return d.StringFixed(2) }

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateAccountRequest struct {
	ID string `json:"id" validate:"omitempty,max=64"`
}

// MoneyRequest is the body of deposits and withdrawals.
type MoneyRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes" validate:"max=500"`
}

type CreateOperationRequest struct {
	AccountID  string          `json:"account_id" validate:"required_without=CustomerID,max=64"`
	CustomerID string          `json:"customer_id" validate:"omitempty,max=64"`
	Type       string          `json:"type" validate:"required,max=64"`
	Amount     decimal.Decimal `json:"amount"`
	ResourceID string          `json:"resource_id" validate:"omitempty,max=128"`
}

type SelectPackageRequest struct {
	PackageID string `json:"package_id" validate:"required,max=64"`
}

type CaptchaRequest struct {
	Solution string `json:"solution" validate:"required,max=256"`
}

type PackageRequest struct {
	ID    string          `json:"id" validate:"required,max=64"`
	Name  string          `json:"name" validate:"max=128"`
	Price decimal.Decimal `json:"price"`
}

// ProgressRequest is a worker callback. Omitted fields are left unchanged.
type ProgressRequest struct {
	Status           string           `json:"status" validate:"required,oneof=PENDING AWAITING_PACKAGE AWAITING_PAYMENT PROCESSING AWAITING_CAPTCHA AWAITING_FINAL_CONFIRM COMPLETING COMPLETED FAILED CANCELLED EXPIRED"`
	Packages         []PackageRequest `json:"packages" validate:"omitempty,dive"`
	CaptchaImage     string           `json:"captcha_image"`
	CaptchaExpiresAt *time.Time       `json:"captcha_expires_at"`
	Result           string           `json:"result"`
	Error            string           `json:"error"`
	Amount           *decimal.Decimal `json:"amount"`
}

func (r ProgressRequest) toUpdate() engine.ProgressUpdate {
	u := engine.ProgressUpdate{
		Status:           engine.Status(r.Status),
		CaptchaImage:     r.CaptchaImage,
		CaptchaExpiresAt: r.CaptchaExpiresAt,
		Result:           r.Result,
		Error:            r.Error,
		Amount:           r.Amount,
	}
	for _, p := range r.Packages {
		u.Packages = append(u.Packages, engine.Package{ID: p.ID, Name: p.Name, Price: p.Price})
	}
	return u
}

type CorrectionRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=INITIALIZE_BALANCE ADD_MISSING BALANCE_MISMATCH DOUBLE_REFUND OVER_REFUND"`
	OperationID string `json:"operation_id" validate:"required_if=Kind DOUBLE_REFUND,required_if=Kind OVER_REFUND,max=64"`
	Notes       string `json:"notes" validate:"max=500"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type AccountDTO struct {
	ID        string    `json:"id"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAccountDTO(a *engine.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Balance:   money(a.Balance),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type TransactionDTO struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	OperationID  string    `json:"operation_id,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CacheRepair  bool      `json:"cache_repair,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toTransactionDTO(t engine.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(t.ID),
		AccountID:    string(t.AccountID),
		Kind:         string(t.Kind),
		Amount:       money(t.Amount),
		BalanceAfter: money(t.BalanceAfter),
		OperationID:  string(t.OperationID),
		Notes:        t.Notes,
		CreatedBy:    t.CreatedBy,
		CacheRepair:  t.CacheRepair,
		CreatedAt:    t.CreatedAt,
	}
}

func toTransactionDTOs(txs []engine.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionDTO(t))
	}
	return out
}

type PackageDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

type OperationDTO struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id,omitempty"`
	CustomerID       string       `json:"customer_id,omitempty"`
	Type             string       `json:"type"`
	Amount           string       `json:"amount"`
	Status           string       `json:"status"`
	Packages         []PackageDTO `json:"packages,omitempty"`
	SelectedPackage  string       `json:"selected_package,omitempty"`
	CaptchaImage     string       `json:"captcha_image,omitempty"`
	CaptchaExpiresAt *time.Time   `json:"captcha_expires_at,omitempty"`
	Corrected        bool         `json:"corrected"`
	CorrectedAt      *time.Time   `json:"corrected_at,omitempty"`
	LastHeartbeat    *time.Time   `json:"last_heartbeat,omitempty"`
	HeartbeatExpiry  *time.Time   `json:"heartbeat_expiry,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Result           string       `json:"result,omitempty"`
	Error            string       `json:"error,omitempty"`
	ResourceID       string       `json:"resource_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// toOperationDTO never exposes the captcha solution.
func toOperationDTO(op *engine.Operation) OperationDTO {
	dto := OperationDTO{
		ID:               string(op.ID),
		AccountID:        string(op.AccountID),
		CustomerID:       op.CustomerID,
		Type:             op.Type,
		Amount:           money(op.Amount),
		Status:           string(op.Status),
		SelectedPackage:  op.SelectedPackage,
		CaptchaImage:     op.CaptchaImage,
		CaptchaExpiresAt: op.CaptchaExpiresAt,
		Corrected:        op.Corrected,
		CorrectedAt:      op.CorrectedAt,
		LastHeartbeat:    op.LastHeartbeat,
		HeartbeatExpiry:  op.HeartbeatExpiry,
		CompletedAt:      op.CompletedAt,
		Result:           op.Result,
		Error:            op.Error,
		ResourceID:       op.ResourceID,
		CreatedAt:        op.CreatedAt,
		UpdatedAt:        op.UpdatedAt,
	}
	for _, p := range op.Packages {
		dto.Packages = append(dto.Packages, PackageDTO{ID: p.ID, Name: p.Name, Price: money(p.Price)})
	}
	return dto
}

type HeartbeatDTO struct {
	Status    string     `json:"status"`
	Alive     bool       `json:"alive"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type CancelDTO struct {
	Operation OperationDTO `json:"operation"`
	Refunded  string       `json:"refunded"`
	Noop      bool         `json:"noop"`
}

type NotificationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CorrectionDTO struct {
	Kind          string `json:"kind"`
	Outcome       string `json:"outcome"`
	Message       string `json:"message"`
	Amount        string `json:"amount"`
	NewBalance    string `json:"new_balance"`
	TransactionID string `json:"transaction_id,omitempty"`
	Capped        bool   `json:"capped"`
	Shortfall     string `json:"shortfall"`
	Discrepancy   string `json:"discrepancy"`
}

func toCorrectionDTO(r *engine.CorrectionResult) CorrectionDTO {
	return CorrectionDTO{
		Kind:          string(r.Kind),
		Outcome:       string(r.Outcome),
		Message:       r.Message,
		Amount:        money(r.Amount),
		NewBalance:    money(r.NewBalance),
		TransactionID: string(r.TransactionID),
		Capped:        r.Capped,
		Shortfall:     money(r.Shortfall),
		Discrepancy:   money(r.Discrepancy),
	}
}

type TotalsDTO struct {
	Deposits    string `json:"deposits"`
	Deducted    string `json:"deducted"`
	Refunded    string `json:"refunded"`
	Withdrawn   string `json:"withdrawn"`
	Corrections string `json:"corrections"`
	Repairs     string `json:"repairs"`
}

type AnomalyDTO struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	OperationID string `json:"operation_id,omitempty"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// AuditDTO combines the reconciliation with the anomaly report.
type AuditDTO struct {
	AccountID        string       `json:"account_id"`
	Expected         string       `json:"expected"`
	Actual           string       `json:"actual"`
	Discrepancy      string       `json:"discrepancy"`
	IsValid          bool         `json:"is_valid"`
	TransactionCount int          `json:"transaction_count"`
	Totals           TotalsDTO    `json:"totals"`
	Anomalies        []AnomalyDTO `json:"anomalies"`
}

func toAuditDTO(r *engine.AuditReport) AuditDTO {
	rec := r.Reconciliation
	dto := AuditDTO{
		AccountID:        string(rec.AccountID),
		Expected:         money(rec.Expected),
		Actual:           money(rec.Actual),
		Discrepancy:      money(rec.Discrepancy),
		IsValid:          rec.IsValid,
		TransactionCount: rec.TransactionCount,
		Totals: TotalsDTO{
			Deposits:    money(rec.Totals.Deposits),
			Deducted:    money(rec.Totals.Deducted),
			Refunded:    money(rec.Totals.Refunded),
			Withdrawn:   money(rec.Totals.Withdrawn),
			Corrections: money(rec.Totals.Corrections),
			Repairs:     money(rec.Totals.Repairs),
		},
		Anomalies: []AnomalyDTO{},
	}
	for _, a := range r.Anomalies.Anomalies {
		dto.Anomalies = append(dto.Anomalies, AnomalyDTO{
			Kind:        string(a.Kind),
			Severity:    string(a.Severity),
			OperationID: string(a.OperationID),
			Amount:      money(a.Amount),
			Description: a.Description,
		})
	}
	return dto
}

type SweepDTO struct {
	Checked       int      `json:"checked"`
	Expired       int      `json:"expired"`
	Refunded      int      `json:"refunded"`
	RefundedTotal string   `json:"refunded_total"`
	LocksReleased int      `json:"locks_released"`
	Skipped       int      `json:"skipped"`
	Errors        int      `json:"errors"`
	FailedIDs     []string `json:"failed_ids,omitempty"`
}

func toSweepDTO(s *engine.SweepSummary) SweepDTO {
	dto := SweepDTO{
		Checked:       s.Checked,
		Expired:       s.Expired,
		Refunded:      s.Refunded,
		RefundedTotal: money(s.RefundedTotal),
		LocksReleased: s.LocksReleased,
		Skipped:       s.Skipped,
		Errors:        s.Errors,
	}
	for _, id := range s.FailedIDs {
		dto.FailedIDs = append(dto.FailedIDs, string(id))
	}
	return dto
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
