package escrow

import "errors"

// Err is a sentinel escrow error. Compare with errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrUnauthorized          = Err("unauthorized")
	ErrNotFound              = Err("not found")
	ErrDuplicateTask         = Err("task already exists")
	ErrDuplicateRecipient    = Err("recipient already exists")
	ErrCapacityExceeded      = Err("capacity exceeded")
	ErrAlreadyClaimable      = Err("recipient already claimable")
	ErrNotYetClaimable       = Err("not yet claimable")
	ErrNothingToClaim        = Err("nothing to claim")
	ErrRefundDisabled        = Err("refund disabled")
	ErrAlreadyAccepted       = Err("task already accepted")
	ErrNonZeroBalance        = Err("non-zero balance")
	ErrInvalidParams         = Err("invalid params")
	ErrInsufficientAllowance = Err("insufficient allowance")
	ErrInsufficientBalance   = Err("insufficient balance")
)

// OpError carries the failing operation and a human readable reason
// alongside the sentinel it wraps.
type OpError struct {
	Op     string
	Err    error
	Reason string
}

func (e *OpError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, err error, reason string) error {
	return &OpError{Op: op, Err: err, Reason: reason}
}

// Reason returns the human readable reason attached to err, or its message.
func Reason(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Reason != "" {
		return oe.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var kinds = map[Err]string{
	ErrUnauthorized:          "unauthorized",
	ErrNotFound:              "not_found",
	ErrDuplicateTask:         "duplicate_task",
	ErrDuplicateRecipient:    "duplicate_recipient",
	ErrCapacityExceeded:      "capacity_exceeded",
	ErrAlreadyClaimable:      "already_claimable",
	ErrNotYetClaimable:       "not_yet_claimable",
	ErrNothingToClaim:        "nothing_to_claim",
	ErrRefundDisabled:        "refund_disabled",
	ErrAlreadyAccepted:       "already_accepted",
	ErrNonZeroBalance:        "non_zero_balance",
	ErrInvalidParams:         "invalid_params",
	ErrInsufficientAllowance: "insufficient_allowance",
	ErrInsufficientBalance:   "insufficient_balance",
}

// Kind names the sentinel err wraps in snake_case, or returns "" for
// errors outside the escrow taxonomy.
func Kind(err error) string {
	var e Err
	if errors.As(err, &e) {
		return kinds[e]
	}
	return ""
}
