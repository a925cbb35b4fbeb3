package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// APIResponse is the envelope of every REST reply.
type APIResponse struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorResponse represents API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data any) *APIResponse {
	return &APIResponse{Success: true, Data: data}
}

// NewSuccessResponseWithMeta creates a success response with metadata
func NewSuccessResponseWithMeta(data any, meta map[string]any) *APIResponse {
	return &APIResponse{Success: true, Data: data, Meta: meta}
}

// NewErrorResponse creates an error response. kind is a stable machine
// readable identifier such as "not_found".
func NewErrorResponse(kind, message string, code int) *APIResponse {
	return &APIResponse{
		Success: false,
		Error: &ErrorResponse{
			Error:     kind,
			Message:   message,
			Code:      code,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// NewErrorResponseWithHint creates an error response with a hint.
func NewErrorResponseWithHint(kind, message string, code int, hint string) *APIResponse {
	resp := NewErrorResponse(kind, message, code)
	resp.Error.Hint = hint
	return resp
}

// Amounts leave the API as decimal strings so clients never round them.

// DepositView is the wire form of escrow.Deposit.
type DepositView struct {
	TaskID           string    `json:"task_id"`
	Depositor        string    `json:"depositor"`
	Amount           string    `json:"amount"`
	ClaimableAmount  string    `json:"claimable_amount"`
	RefundableAmount string    `json:"refundable_amount"`
	PerClaimAmount   string    `json:"per_claim_amount,omitempty"`
	AssistantCount   uint64    `json:"assistant_count"`
	RecipientCount   uint64    `json:"recipient_count"`
	ClaimedCount     uint64    `json:"claimed_count"`
	AllowRefund      bool      `json:"allow_refund"`
	IsOpenEnded      bool      `json:"is_open_ended"`
	Accepted         bool      `json:"accepted"`
	TotalDeposited   string    `json:"total_deposited"`
	TotalPaid        string    `json:"total_paid"`
	TotalRefunded    string    `json:"total_refunded"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func NewDepositView(d escrow.Deposit) DepositView {
	v := DepositView{
		TaskID:           d.TaskID.Hex(),
		Depositor:        d.Depositor.Hex(),
		Amount:           str(d.Amount),
		ClaimableAmount:  str(d.ClaimableAmount),
		RefundableAmount: str(d.RefundableAmount),
		AssistantCount:   d.AssistantCount,
		RecipientCount:   d.RecipientCount,
		ClaimedCount:     d.ClaimedCount,
		AllowRefund:      d.AllowRefund,
		IsOpenEnded:      d.IsOpenEnded,
		Accepted:         d.Accepted,
		TotalDeposited:   str(d.TotalDeposited),
		TotalPaid:        str(d.TotalPaid),
		TotalRefunded:    str(d.TotalRefunded),
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.IsOpenEnded {
		v.PerClaimAmount = str(d.PerClaimAmount)
	}
	return v
}

func NewDepositViews(ds []escrow.Deposit) []DepositView {
	out := make([]DepositView, len(ds))
	for i, d := range ds {
		out[i] = NewDepositView(d)
	}
	return out
}

// RecipientView is the wire form of escrow.RecipientSlot.
type RecipientView struct {
	TaskID      string    `json:"task_id"`
	RecipientID string    `json:"recipient_id"`
	Recipient   string    `json:"recipient_address"`
	IsClaimable bool      `json:"is_claimable"`
	IsClaimed   bool      `json:"is_claimed"`
	Paid        string    `json:"paid"`
	AddedAt     time.Time `json:"added_at"`
}

func NewRecipientView(s escrow.RecipientSlot) RecipientView {
	return RecipientView{
		TaskID:      s.TaskID.Hex(),
		RecipientID: s.RecipientID.Hex(),
		Recipient:   s.Recipient.Hex(),
		IsClaimable: s.IsClaimable,
		IsClaimed:   s.IsClaimed,
		Paid:        str(s.Paid),
		AddedAt:     s.AddedAt,
	}
}

func NewRecipientViews(ss []escrow.RecipientSlot) []RecipientView {
	out := make([]RecipientView, len(ss))
	for i, s := range ss {
		out[i] = NewRecipientView(s)
	}
	return out
}

type RemainingView struct {
	TaskID      string `json:"task_id"`
	Claims      string `json:"claims_remaining"`
	Acceptances string `json:"acceptances_remaining"`
}

func NewRemainingView(id escrow.TaskID, r escrow.Remaining) RemainingView {
	return RemainingView{TaskID: id.Hex(), Claims: str(r.Claims), Acceptances: str(r.Acceptances)}
}

// EventView is the wire form of escrow.Event used by the history
// endpoint and the websocket stream.
type EventView struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Account     string    `json:"account,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Caller      string    `json:"caller"`
	At          time.Time `json:"at"`
}

func NewEventView(e escrow.Event) EventView {
	v := EventView{Type: string(e.Type), Caller: e.Caller.Hex(), At: e.At}
	if e.TaskID != (escrow.TaskID{}) {
		v.TaskID = e.TaskID.Hex()
	}
	if e.RecipientID != (escrow.RecipientID{}) {
		v.RecipientID = e.RecipientID.Hex()
	}
	if e.Account != (common.Address{}) {
		v.Account = e.Account.Hex()
	}
	if e.Amount != nil {
		v.Amount = e.Amount.String()
	}
	return v
}

// IDsView reports derived identifiers.
type IDsView struct {
	Address     string `json:"address"`
	Nonce       string `json:"nonce"`
	TaskID      string `json:"task_id"`
	RecipientID string `json:"recipient_id"`
}

type BalanceView struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
	Spender   string `json:"spender"`
}

// CreateDepositRequest creates a fixed-capacity task, or an open-ended
// mission when OpenEnded is set. TaskID may be omitted to derive it from
// the caller and Nonce (generated when empty).
type CreateDepositRequest struct {
	TaskID         string `json:"task_id,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
	Amount         string `json:"amount"`
	AssistantCount uint64 `json:"assistant_count,omitempty"`
	OpenEnded      bool   `json:"open_ended,omitempty"`
	PerClaimAmount string `json:"per_claim_amount,omitempty"`
}

// AddRecipientRequest attaches a recipient. RecipientID may be omitted to
// derive it from Recipient and Nonce.
type AddRecipientRequest struct {
	Recipient   string `json:"recipient_address"`
	RecipientID string `json:"recipient_id,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

type ForceRefundRequest struct {
	RecipientID string `json:"recipient_id"`
	Beneficiary string `json:"beneficiary"`
}

type AmountRequest struct {
	Amount string `json:"amount"`
}

type CapacityRequest struct {
	AssistantCount   uint64 `json:"assistant_count"`
	AdditionalAmount string `json:"additional_amount,omitempty"`
}

type PerClaimRequest struct {
	PerClaimAmount string `json:"per_claim_amount"`
}

type RefundFlagRequest struct {
	AllowRefund bool `json:"allow_refund"`
}

type OwnershipRequest struct {
	Owner string `json:"owner"`
}

func str(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
