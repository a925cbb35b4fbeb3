package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/logging"
	"github.com/humandao-org/EnergyContracts/middleware"
	"github.com/humandao-org/EnergyContracts/models"
)

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	logger *slog.Logger
}

// NewBaseHandler creates a new base handler
func NewBaseHandler(logger *slog.Logger) *BaseHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &BaseHandler{logger: logger}
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("encode response", "error", err)
		}
	}
}

// sendError sends an error response
func (h *BaseHandler) sendError(w http.ResponseWriter, statusCode int, kind, message string) {
	h.sendJSON(w, statusCode, models.NewErrorResponse(kind, message, statusCode))
}

// sendSuccess sends a success response
func (h *BaseHandler) sendSuccess(w http.ResponseWriter, data any) {
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponse(data))
}

// parseJSON parses JSON from request
func (h *BaseHandler) parseJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", escrow.ErrInvalidParams, err)
	}
	return nil
}

// sendFailure writes err using the escrow error taxonomy. Unclassified
// errors are logged and reported without detail.
func (h *BaseHandler) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := classify(err)
	if f.status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.RequestIDFrom(r.Context()),
			"error", err)
		h.sendError(w, f.status, f.kind, "internal error")
		return
	}
	resp := models.NewErrorResponse(f.kind, escrow.Reason(err), f.status)
	resp.Error.Hint = f.hint
	h.sendJSON(w, f.status, resp)
}

type failure struct {
	err    error
	status int
	kind   string
	hint   string
}

var failures = []failure{
	{err: escrow.ErrNotFound, status: http.StatusNotFound, kind: "not_found"},
	{err: escrow.ErrUnauthorized, status: http.StatusForbidden, kind: "unauthorized"},
	{err: escrow.ErrInvalidParams, status: http.StatusBadRequest, kind: "invalid_params"},
	{err: escrow.ErrDuplicateTask, status: http.StatusConflict, kind: "duplicate_task"},
	{err: escrow.ErrDuplicateRecipient, status: http.StatusConflict, kind: "duplicate_recipient"},
	{err: escrow.ErrCapacityExceeded, status: http.StatusConflict, kind: "capacity_exceeded"},
	{err: escrow.ErrAlreadyClaimable, status: http.StatusConflict, kind: "already_claimable"},
	{err: escrow.ErrAlreadyAccepted, status: http.StatusConflict, kind: "already_accepted"},
	{err: escrow.ErrNotYetClaimable, status: http.StatusConflict, kind: "not_yet_claimable"},
	{err: escrow.ErrNothingToClaim, status: http.StatusConflict, kind: "nothing_to_claim"},
	{err: escrow.ErrRefundDisabled, status: http.StatusConflict, kind: "refund_disabled"},
	{err: escrow.ErrNonZeroBalance, status: http.StatusConflict, kind: "non_zero_balance"},
	{err: escrow.ErrInsufficientAllowance, status: http.StatusPaymentRequired, kind: "insufficient_allowance",
		hint: "approve the escrow account with POST /api/ledger/approve"},
	{err: escrow.ErrInsufficientBalance, status: http.StatusPaymentRequired, kind: "insufficient_balance"},
	{err: credit.ErrInsufficientAllowance, status: http.StatusPaymentRequired, kind: "insufficient_allowance"},
	{err: credit.ErrInsufficientBalance, status: http.StatusPaymentRequired, kind: "insufficient_balance"},
	{err: credit.ErrPaused, status: http.StatusServiceUnavailable, kind: "ledger_paused"},
	{err: credit.ErrNotOwner, status: http.StatusForbidden, kind: "unauthorized"},
	{err: credit.ErrZeroAddress, status: http.StatusBadRequest, kind: "invalid_params"},
	{err: credit.ErrInvalidAmount, status: http.StatusBadRequest, kind: "invalid_params"},
}

func classify(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f
		}
	}
	return failure{status: http.StatusInternalServerError, kind: "internal_error"}
}

// Path and query helpers.

func caller(r *http.Request) common.Address {
	who, _ := middleware.Caller(r.Context())
	return who
}

func taskParam(r *http.Request) (escrow.TaskID, error) {
	return escrow.ParseHandle(chi.URLParam(r, "task"))
}

func recipientParam(r *http.Request) (escrow.RecipientID, error) {
	return escrow.ParseHandle(chi.URLParam(r, "recipient"))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", escrow.ErrInvalidParams, name)
	}
	return n, nil
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	token   *credit.Token
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(logger *slog.Logger, token *credit.Token) *HealthHandler {
	return &HealthHandler{
		BaseHandler: NewBaseHandler(logger),
		token:       token,
		started:     time.Now(),
	}
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	Ledger        string `json:"ledger"`
	LedgerPaused  bool   `json:"ledger_paused"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

// HandleHealth handles health check requests
// @Summary Service health
// @Tags Health
// @Produce  json
// @Success 200 {object} models.APIResponse
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if h.token != nil {
		status.Ledger = h.token.Symbol()
		status.LedgerPaused = h.token.Paused()
		if status.LedgerPaused {
			status.Status = "degraded"
		}
	}
	h.sendSuccess(w, status)
}
