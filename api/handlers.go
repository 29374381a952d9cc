/*
handlers.go - HTTP API handlers for the point ledger service

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every balance decision to the engine.

ENDPOINTS:
  Users:
    POST   /api/users/{id}/charges       Post a confirmed payment
    POST   /api/users/{id}/grants        Post the monthly subscription grant
    POST   /api/users/{id}/deductions    Spend points on a report
    POST   /api/users/{id}/refunds       Re-credit points (promotional lot)
    GET    /api/users/{id}/balance       Current spendable balance
    GET    /api/users/{id}/lots          Credit lots
    GET    /api/users/{id}/transactions  Ledger history (paginated)

  Admin:
    POST   /api/admin/users/{id}/adjustments  Manual correction
    POST   /api/admin/users/{id}/reconcile    Audit one user
    POST   /api/admin/users/{id}/unfreeze     Clear a freeze after repair
    POST   /api/admin/sweep                   Run the expiration sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Lot or transaction not found
  - 409: Insufficient balance
  - 423: User frozen pending reconciliation repair
  - 503: Per-user lock timed out (Retry-After set)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. The service is expected to sit behind the
  billing backend, never exposed to end users directly.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/engine.go: The decisions these handlers expose
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
}

// NewHandler creates a new handler around the ledger engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{Engine: engine}
}

func userID(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

// =============================================================================
// WRITE ENDPOINTS
// =============================================================================

// Charge posts a confirmed payment.
// POST /api/users/{id}/charges
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	res, err := h.Engine.Charge(r.Context(), userID(r), amount, req.Currency,
		ledger.SourceType(req.PaymentType), req.PaymentID)
	if err != nil {
		writeLedgerError(w, "Failed to post charge", err)
		return
	}

	if res.Replayed {
		metrics.ReplaysTotal.WithLabelValues(string(ledger.TxCharge)).Inc()
	} else {
		metrics.ChargesTotal.WithLabelValues(req.PaymentType).Inc()
		metrics.PointsGranted.WithLabelValues(req.PaymentType).Add(float64(res.BasePoints))
		if res.BonusPoints > 0 {
			metrics.PointsGranted.WithLabelValues(string(ledger.SourceBonus)).Add(float64(res.BonusPoints))
		}
	}

	writeJSON(w, http.StatusOK, toChargeDTO(res))
}

// MonthlyGrant posts the fixed subscription grant for one billing period.
// POST /api/users/{id}/grants
func (h *Handler) MonthlyGrant(w http.ResponseWriter, r *http.Request) {
	var req MonthlyGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.MonthlyGrant(r.Context(), userID(r), req.PaymentID)
	if err != nil {
		writeLedgerError(w, "Failed to post monthly grant", err)
		return
	}

	if res.Replayed {
		metrics.ReplaysTotal.WithLabelValues(string(ledger.TxCharge)).Inc()
	} else {
		metrics.PointsGranted.WithLabelValues(string(ledger.SourceSubscription)).Add(float64(res.BasePoints))
	}

	writeJSON(w, http.StatusOK, toChargeDTO(res))
}

// Deduct spends points on a report.
// POST /api/users/{id}/deductions
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.Deduct(r.Context(), userID(r), req.Amount, req.ReportType, req.RequestID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.InsufficientBalanceTotal.Inc()
		}
		writeLedgerError(w, "Failed to deduct points", err)
		return
	}

	if res.Replayed {
		metrics.ReplaysTotal.WithLabelValues(string(ledger.TxDeduct)).Inc()
	} else {
		metrics.PointsDeducted.Add(float64(res.Deducted))
	}

	writeJSON(w, http.StatusOK, DeductResultDTO{
		Deducted:         res.Deducted,
		RemainingBalance: res.RemainingBalance,
		Lots:             toLotEntryDTOs(res.Lots),
		Replayed:         res.Replayed,
	})
}

// Refund re-credits points through a promotional lot.
// POST /api/users/{id}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.Refund(r.Context(), userID(r), req.Points, req.Description, req.RequestID)
	if err != nil {
		writeLedgerError(w, "Failed to refund points", err)
		return
	}

	if res.Replayed {
		metrics.ReplaysTotal.WithLabelValues(string(ledger.TxRefund)).Inc()
	} else {
		metrics.PointsGranted.WithLabelValues(string(ledger.SourcePromotional)).Add(float64(res.Points))
	}

	writeJSON(w, http.StatusOK, RefundResultDTO{
		Points:   res.Points,
		Balance:  res.Balance,
		Replayed: res.Replayed,
	})
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

// GetBalance returns the current spendable balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.Balance(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}

	dto := BalanceDTO{
		UserID:  string(snap.UserID),
		Balance: snap.Balance,
		AsOf:    snap.AsOf.Format(time.RFC3339),
	}
	if !snap.LastUpdated.IsZero() {
		dto.LastUpdated = snap.LastUpdated.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetLots returns the user's credit lots.
// GET /api/users/{id}/lots
func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Engine.Lots(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lots", err)
		return
	}

	now := time.Now()
	dtos := make([]LotDTO, len(lots))
	for i, lot := range lots {
		dtos[i] = toLotDTO(lot, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransactions returns a page of ledger history, most recent first.
// GET /api/users/{id}/transactions?limit=50&cursor=tx-...
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	txs, next, err := h.Engine.History(r.Context(), userID(r), limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, HistoryDTO{Transactions: dtos, NextCursor: next})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Adjust applies a manual correction.
// POST /api/admin/users/{id}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}

	res, err := h.Engine.AdminAdjust(r.Context(), userID(r), req.Points, req.Reason, req.Actor)
	if err != nil {
		writeLedgerError(w, "Failed to adjust balance", err)
		return
	}

	if res.Points > 0 {
		metrics.PointsGranted.WithLabelValues(string(ledger.SourceAdminGrant)).Add(float64(res.Points))
	}

	writeJSON(w, http.StatusOK, AdjustResultDTO{Points: res.Points, Balance: res.Balance})
}

// Reconcile audits one user's ledger against their lot remainders.
// POST /api/admin/users/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Reconcile(r.Context(), userID(r))
	if err != nil && !errors.Is(err, ledger.ErrReconciliationMismatch) {
		writeLedgerError(w, "Failed to reconcile", err)
		return
	}

	dto := ReconciliationDTO{
		UserID:     string(report.UserID),
		LedgerSum:  report.LedgerSum,
		LotSum:     report.LotSum,
		Consistent: report.Consistent,
	}
	if !report.Consistent {
		metrics.ReconciliationMismatches.Inc()
		// The mismatch is reported in the body; the audit itself succeeded.
		writeJSON(w, http.StatusConflict, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// Unfreeze clears a reconciliation freeze after manual repair.
// POST /api/admin/users/{id}/unfreeze
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.Engine.Unfreeze(userID(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerSweep runs the expiration sweep immediately.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	swept, err := h.Engine.Sweep(r.Context(), time.Now())
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()

	var points int64
	for _, lot := range swept {
		points += lot.RemainingAmount
	}
	metrics.PointsExpired.Add(float64(points))

	writeJSON(w, http.StatusOK, SweepResultDTO{LotsExpired: len(swept), PointsExpired: points})
}

// =============================================================================
// HELPERS
// =============================================================================

func toChargeDTO(res *ledger.ChargeResult) ChargeResultDTO {
	return ChargeResultDTO{
		BasePoints:  res.BasePoints,
		BonusPoints: res.BonusPoints,
		TotalPoints: res.TotalPoints,
		Balance:     res.Balance,
		Replayed:    res.Replayed,
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

// writeLedgerError maps ledger errors onto the HTTP status taxonomy.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "Insufficient balance", err)
	case errors.Is(err, ledger.ErrLedgerBusy):
		metrics.LockTimeoutsTotal.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Ledger busy, retry shortly", err)
	case errors.Is(err, ledger.ErrUserFrozen):
		writeError(w, http.StatusLocked, "Account frozen pending reconciliation", err)
	case errors.Is(err, ledger.ErrLotNotFound):
		writeError(w, http.StatusNotFound, "Lot not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
