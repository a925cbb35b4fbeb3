package mcp

import (
	"errors"
	"fmt"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// ToolError represents a structured error from tool execution
type ToolError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Tool       string         `json:"tool,omitempty"`
	Field      string         `json:"field,omitempty"`
	FieldValue any            `json:"field_value,omitempty"`
	Hint       string         `json:"hint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HttpStatus int            `json:"http_status,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Tool error codes
const (
	// Validation error codes
	ErrCodeMissingRequired = "MISSING_REQUIRED_FIELD"
	ErrCodeInvalidType     = "INVALID_FIELD_TYPE"
	ErrCodeInvalidValue    = "INVALID_FIELD_VALUE"

	// Business logic error codes
	ErrCodeNotFound            = "RESOURCE_NOT_FOUND"
	ErrCodeAlreadyExists       = "RESOURCE_ALREADY_EXISTS"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	ErrCodeNothingToClaim      = "NOTHING_TO_CLAIM"
	ErrCodeNotYetClaimable     = "NOT_YET_CLAIMABLE"
	ErrCodeRefundDisabled      = "REFUND_DISABLED"
	ErrCodeAlreadyAccepted     = "ALREADY_ACCEPTED"
	ErrCodeNonZeroBalance      = "NON_ZERO_BALANCE"
	ErrCodeInsufficientFunds   = "INSUFFICIENT_BALANCE"
	ErrCodeInsufficientAllowed = "INSUFFICIENT_ALLOWANCE"

	// Infrastructure error codes
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// NewMissingFieldError creates an error for missing required field
func NewMissingFieldError(tool, field string) *ToolError {
	return &ToolError{
		Code:       ErrCodeMissingRequired,
		Message:    fmt.Sprintf("Field '%s' is required", field),
		Tool:       tool,
		Field:      field,
		HttpStatus: 400,
		Hint:       fmt.Sprintf("Add '%s' to your request parameters", field),
	}
}

// NewInvalidFieldError reports a field that is present but unusable.
func NewInvalidFieldError(tool, field string, value any, err error) *ToolError {
	return &ToolError{
		Code:       ErrCodeInvalidValue,
		Message:    escrow.Reason(err),
		Tool:       tool,
		Field:      field,
		FieldValue: value,
		HttpStatus: 400,
	}
}

// NewTypeError reports a field of the wrong JSON type.
func NewTypeError(tool, field string, value any, expected string) *ToolError {
	return &ToolError{
		Code:       ErrCodeInvalidType,
		Message:    fmt.Sprintf("Expected type %s", expected),
		Tool:       tool,
		Field:      field,
		FieldValue: value,
		HttpStatus: 400,
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(tool, message string) *ToolError {
	if message == "" {
		message = "Authentication required"
	}
	return &ToolError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		Tool:       tool,
		HttpStatus: 401,
		Hint:       "Pass the api_key argument bound to your wallet",
	}
}

// NewInternalError creates an internal server error
func NewInternalError(tool, message string) *ToolError {
	if message == "" {
		message = "Internal server error"
	}
	return &ToolError{
		Code:       ErrCodeInternalError,
		Message:    message,
		Tool:       tool,
		HttpStatus: 500,
		Hint:       "Please try again. If the problem persists, contact support",
	}
}

type errorMapping struct {
	err    error
	code   string
	status int
	hint   string
}

var escrowErrors = []errorMapping{
	{escrow.ErrNotFound, ErrCodeNotFound, 404, "Verify the task and recipient ids"},
	{escrow.ErrUnauthorized, ErrCodeForbidden, 403, ""},
	{escrow.ErrInvalidParams, ErrCodeInvalidValue, 400, ""},
	{escrow.ErrDuplicateTask, ErrCodeAlreadyExists, 409, "Use a fresh nonce to derive a new task id"},
	{escrow.ErrDuplicateRecipient, ErrCodeAlreadyExists, 409, ""},
	{escrow.ErrCapacityExceeded, ErrCodeCapacityExceeded, 409, "Raise the assistant count first"},
	{escrow.ErrAlreadyClaimable, ErrCodeConflict, 409, ""},
	{escrow.ErrNotYetClaimable, ErrCodeNotYetClaimable, 409, ""},
	{escrow.ErrNothingToClaim, ErrCodeNothingToClaim, 409, ""},
	{escrow.ErrRefundDisabled, ErrCodeRefundDisabled, 409, ""},
	{escrow.ErrAlreadyAccepted, ErrCodeAlreadyAccepted, 409, ""},
	{escrow.ErrNonZeroBalance, ErrCodeNonZeroBalance, 409, ""},
	{escrow.ErrInsufficientAllowance, ErrCodeInsufficientAllowed, 402, "Approve the escrow account on the credit ledger"},
	{escrow.ErrInsufficientBalance, ErrCodeInsufficientFunds, 402, ""},
	{credit.ErrPaused, ErrCodeServiceUnavailable, 503, "The credit ledger is paused"},
}

// FromError converts a service error into a ToolError. Errors outside the
// escrow taxonomy become INTERNAL_ERROR without detail.
func FromError(tool string, err error) *ToolError {
	if te, ok := IsToolError(err); ok {
		return te
	}
	for _, m := range escrowErrors {
		if errors.Is(err, m.err) {
			return &ToolError{
				Code:       m.code,
				Message:    escrow.Reason(err),
				Tool:       tool,
				Hint:       m.hint,
				HttpStatus: m.status,
			}
		}
	}
	return NewInternalError(tool, "")
}

// IsToolError checks if error is a ToolError
func IsToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// GetHTTPStatusFromError extracts HTTP status from error types
func GetHTTPStatusFromError(err error) int {
	if toolErr, ok := IsToolError(err); ok {
		return toolErr.HttpStatus
	}
	return 500 // default for unknown errors
}
