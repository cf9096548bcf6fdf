/*
handlers.go - HTTP API handlers for the operation ledger

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization and access checks, and delegates to the engine services.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Create account (admin)
    GET    /api/accounts/{id}                  Account with cached balance
    POST   /api/accounts/{id}/deposits         Credit (admin)
    POST   /api/accounts/{id}/withdrawals      Debit
    GET    /api/accounts/{id}/transactions     Ledger history
    GET    /api/accounts/{id}/operations       Operations, newest first
    GET    /api/accounts/{id}/notifications    Notifications, newest first
    GET    /api/accounts/{id}/audit            Reconciliation + anomalies (admin)
    POST   /api/accounts/{id}/corrections      Apply a correction (admin)

  Operations:
    POST   /api/operations                     Create
    GET    /api/operations/{id}                Read
    POST   /api/operations/{id}/heartbeat      Extend liveness window
    POST   /api/operations/{id}/cancel         Cancel with refund-once
    POST   /api/operations/{id}/package        Select package
    POST   /api/operations/{id}/captcha        Submit captcha

  Worker & cron:
    POST   /api/worker/operations/{id}/progress  Worker callback (admin token)
    POST   /api/cron/sweep                       Liveness sweep (cron secret)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags)
  3. Check the principal may touch the account
  4. Call the engine
  5. Serialize response

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid credential
  - 403: Principal lacks the role
  - 404: Not found, or owned by someone else
  - 409: Wrong state (transition, not cancellable, resource busy)
  - 422: Insufficient balance
  - 500: Internal errors, missing cron secret

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the engine entry points the handlers delegate to.
type Services struct {
	Store      engine.Store
	Ledger     *engine.Ledger
	Operations *engine.Operations
	Corrector  *engine.Corrector
	Auditor    *engine.Auditor
	Sweeper    *engine.Sweeper
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	Logger arbor.ILogger

	// CronSecret authenticates the sweep trigger. Empty disables it.
	CronSecret string

	validate *validator.Validate
}

func NewHandler(svc Services, logger arbor.ILogger, cronSecret string) *Handler {
	return &Handler{
		Services:   svc,
		Logger:     logger,
		CronSecret: cronSecret,
		validate:   validator.New(),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.Ledger.CreateAccount(r.Context(), engine.AccountID(req.ID))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	account, err := h.Ledger.Account(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req MoneyRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.Ledger.Deposit(r.Context(), id, req.Amount, req.Notes, callerFrom(r.Context()).ID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*t))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req MoneyRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.Ledger.Withdraw(r.Context(), id, req.Amount, req.Notes, callerFrom(r.Context()).ID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*t))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	txs, err := h.Ledger.Transactions(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	ops, err := h.Operations.List(r.Context(), id, engine.OperationFilter{Limit: limit, Offset: offset})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]OperationDTO, 0, len(ops))
	for i := range ops {
		out = append(out, toOperationDTO(&ops[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	limit, _, ok := pageParams(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetAccount(r.Context(), id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	notifications, err := h.Store.ListNotifications(r.Context(), id, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, NotificationDTO{
			ID:        n.ID,
			Title:     n.Title,
			Message:   n.Message,
			Severity:  string(n.Severity),
			Link:      n.Link,
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id := engine.AccountID(chi.URLParam(r, "id"))
	report, err := h.Auditor.Audit(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	id := engine.AccountID(chi.URLParam(r, "id"))
	var req CorrectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind := engine.CorrectionKind(req.Kind)
	result, err := h.Corrector.Correct(r.Context(), engine.CorrectionRequest{
		AccountID:   id,
		Kind:        kind,
		OperationID: engine.OperationID(req.OperationID),
		Notes:       req.Notes,
		Actor:       callerFrom(r.Context()).ID,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	recordCorrection(kind, result.Outcome)

	status := http.StatusOK
	if result.Applied() {
		status = http.StatusCreated
	}
	writeJSON(w, status, toCorrectionDTO(result))
}

// =============================================================================
// OPERATION ENDPOINTS
// =============================================================================

func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req CreateOperationRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := h.Operations.Create(r.Context(), engine.CreateRequest{
		AccountID:  engine.AccountID(req.AccountID),
		CustomerID: req.CustomerID,
		Type:       req.Type,
		Amount:     req.Amount,
		ResourceID: req.ResourceID,
	}, callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationDTO(op))
}

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.Operations.Get(r.Context(), operationParam(r), callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := h.Operations.Heartbeat(r.Context(), operationParam(r), callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatDTO{Status: string(hb.Status), Alive: hb.Alive, ExpiresAt: hb.ExpiresAt})
}

func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	result, err := h.Operations.Cancel(r.Context(), operationParam(r), callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelDTO{
		Operation: toOperationDTO(result.Operation),
		Refunded:  money(result.Refunded),
		Noop:      result.Noop,
	})
}

func (h *Handler) SelectPackage(w http.ResponseWriter, r *http.Request) {
	var req SelectPackageRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := h.Operations.SelectPackage(r.Context(), operationParam(r), req.PackageID, callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

func (h *Handler) SubmitCaptcha(w http.ResponseWriter, r *http.Request) {
	var req CaptchaRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := h.Operations.SubmitCaptcha(r.Context(), operationParam(r), req.Solution, callerFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

// =============================================================================
// WORKER & CRON ENDPOINTS
// =============================================================================

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := h.Operations.Advance(r.Context(), operationParam(r), req.toUpdate())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

// Sweep runs one liveness pass. It refuses to run at all when no secret is
// configured.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.CronSecret == "" {
		h.Logger.Error().Msg("Sweep trigger called but no cron secret is configured")
		writeError(w, http.StatusInternalServerError, "cron secret not configured", nil)
		return
	}
	if !tokenMatches(bearerToken(r), h.CronSecret) {
		writeError(w, http.StatusUnauthorized, "invalid credential", nil)
		return
	}

	summary, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("Sweep failed")
		writeError(w, http.StatusInternalServerError, "sweep failed", err)
		return
	}
	recordSweep(summary)
	writeJSON(w, http.StatusOK, toSweepDTO(summary))
}

// =============================================================================
// HELPERS
// =============================================================================

// accountParam returns the {id} account if the caller owns it or is admin.
// Foreign accounts are reported as not found.
func (h *Handler) accountParam(w http.ResponseWriter, r *http.Request) (engine.AccountID, bool) {
	id := chi.URLParam(r, "id")
	caller := callerFrom(r.Context())
	if !caller.Admin && caller.ID != id {
		writeError(w, http.StatusNotFound, "not found", nil)
		return "", false
	}
	return engine.AccountID(id), true
}

func operationParam(r *http.Request) engine.OperationID {
	return engine.OperationID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into dst and validates it. An empty body decodes
// to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset", err)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient balance", err)
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", nil)
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	default:
		h.Logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
