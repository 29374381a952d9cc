/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND POINTS:
  Real-money amounts travel as strings ("49.99") and are parsed with
  shopspring/decimal; points are plain integers. Balances are never floats.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/warp/point-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChargeRequest posts a confirmed payment to the ledger.
type ChargeRequest struct {
	Amount      string `json:"amount"`       // decimal string, e.g. "49.99"
	Currency    string `json:"currency"`     // ISO code, e.g. "USD"
	PaymentType string `json:"payment_type"` // "addon" or "subscription"
	PaymentID   string `json:"payment_id"`   // idempotency key
}

// MonthlyGrantRequest posts the fixed grant for one billing period.
type MonthlyGrantRequest struct {
	PaymentID string `json:"payment_id"` // subscription invoice ID
}

// DeductRequest spends points on a report.
type DeductRequest struct {
	Amount     int64  `json:"amount"`
	ReportType string `json:"report_type"`
	RequestID  string `json:"request_id"` // idempotency key
}

// RefundRequest re-credits points via a promotional lot.
type RefundRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description,omitempty"`
	RequestID   string `json:"request_id"` // idempotency key
}

// AdjustRequest applies a manual correction.
type AdjustRequest struct {
	Points int64  `json:"points"` // positive grants, negative debits
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChargeResultDTO reports what a payment turned into.
type ChargeResultDTO struct {
	BasePoints  int64 `json:"base_points"`
	BonusPoints int64 `json:"bonus_points"`
	TotalPoints int64 `json:"total_points"`
	Balance     int64 `json:"balance"`
	Replayed    bool  `json:"replayed"`
}

// DeductResultDTO reports a committed or replayed deduction.
type DeductResultDTO struct {
	Deducted         int64         `json:"deducted"`
	RemainingBalance int64         `json:"remaining_balance"`
	Lots             []LotEntryDTO `json:"lots"`
	Replayed         bool          `json:"replayed"`
}

// LotEntryDTO is one lot's share of a deduction.
type LotEntryDTO struct {
	LotID  string `json:"lot_id"`
	Amount int64  `json:"amount"`
}

// RefundResultDTO reports a committed or replayed refund.
type RefundResultDTO struct {
	Points   int64 `json:"points"`
	Balance  int64 `json:"balance"`
	Replayed bool  `json:"replayed"`
}

// AdjustResultDTO reports a committed manual adjustment.
type AdjustResultDTO struct {
	Points  int64 `json:"points"`
	Balance int64 `json:"balance"`
}

// BalanceDTO is the current spendable balance.
type BalanceDTO struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	LastUpdated string `json:"last_updated,omitempty"`
	AsOf        string `json:"as_of"`
}

// LotDTO represents a credit lot in API responses.
type LotDTO struct {
	ID              string `json:"id"`
	OriginalAmount  int64  `json:"original_amount"`
	RemainingAmount int64  `json:"remaining_amount"`
	GrantedAt       string `json:"granted_at"`
	ExpiresAt       string `json:"expires_at"`
	SourceType      string `json:"source_type"`
	Expired         bool   `json:"expired"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Amount       int64         `json:"amount"`
	Lots         []LotEntryDTO `json:"lots,omitempty"`
	RequestID    string        `json:"request_id,omitempty"`
	ReportType   string        `json:"report_type,omitempty"`
	Description  string        `json:"description,omitempty"`
	BalanceAfter int64         `json:"balance_after"`
	CreatedAt    string        `json:"created_at"`
}

// HistoryDTO is one page of ledger entries, most recent first.
type HistoryDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
}

// SweepResultDTO reports one sweep run.
type SweepResultDTO struct {
	LotsExpired   int   `json:"lots_expired"`
	PointsExpired int64 `json:"points_expired"`
}

// ReconciliationDTO reports an audit pass.
type ReconciliationDTO struct {
	UserID     string `json:"user_id"`
	LedgerSum  int64  `json:"ledger_sum"`
	LotSum     int64  `json:"lot_sum"`
	Consistent bool   `json:"consistent"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toLotDTO(lot ledger.CreditLot, now time.Time) LotDTO {
	return LotDTO{
		ID:              string(lot.ID),
		OriginalAmount:  lot.OriginalAmount,
		RemainingAmount: lot.RemainingAmount,
		GrantedAt:       lot.GrantedAt.Format(time.RFC3339),
		ExpiresAt:       lot.ExpiresAt.Format(time.RFC3339),
		SourceType:      string(lot.SourceType),
		Expired:         lot.ExpiredAsOf(now),
	}
}

func toLotEntryDTOs(entries []ledger.LotEntry) []LotEntryDTO {
	dtos := make([]LotEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LotEntryDTO{LotID: string(e.LotID), Amount: e.Amount}
	}
	return dtos
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		Type:         string(tx.Type),
		Amount:       tx.Amount,
		Lots:         toLotEntryDTOs(tx.Lots),
		RequestID:    tx.RequestID,
		ReportType:   tx.ReportType,
		Description:  tx.Description,
		BalanceAfter: tx.BalanceAfter,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}
