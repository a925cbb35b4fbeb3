package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TaskID and RecipientID are opaque 256-bit handles.
type (
	TaskID      = common.Hash
	RecipientID = common.Hash
)

// Deposit is the escrow record of one task.
type Deposit struct {
	TaskID           TaskID         `json:"task_id"`
	Depositor        common.Address `json:"depositor"`
	Amount           *big.Int       `json:"amount"`
	ClaimableAmount  *big.Int       `json:"claimable_amount"`
	RefundableAmount *big.Int       `json:"refundable_amount"`
	// PerClaimAmount is the configured mission rate. Zero for fixed-capacity tasks.
	PerClaimAmount *big.Int `json:"per_claim_amount"`
	AssistantCount uint64   `json:"assistant_count"`
	RecipientCount uint64   `json:"recipient_count"`
	ClaimedCount   uint64   `json:"claimed_count"`
	AllowRefund    bool     `json:"allow_refund"`
	IsOpenEnded    bool     `json:"is_open_ended"`
	// Accepted is set when the first recipient is attached and never cleared.
	Accepted bool `json:"accepted"`

	TotalDeposited *big.Int  `json:"total_deposited"`
	TotalPaid      *big.Int  `json:"total_paid"`
	TotalRefunded  *big.Int  `json:"total_refunded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RecipientSlot is one recipient attached to a task.
type RecipientSlot struct {
	TaskID      TaskID         `json:"task_id"`
	RecipientID RecipientID    `json:"recipient_id"`
	Recipient   common.Address `json:"recipient_address"`
	IsClaimable bool           `json:"is_claimable"`
	IsClaimed   bool           `json:"is_claimed"`
	// Paid totals every credit moved to this recipient, top-ups included.
	Paid    *big.Int  `json:"paid"`
	AddedAt time.Time `json:"added_at"`
}

// Entry is a deposit with its slots in insertion order. Stores load and
// persist entries as a unit.
type Entry struct {
	Deposit Deposit         `json:"deposit"`
	Slots   []RecipientSlot `json:"slots"`
}

// Remaining is the result of calculate_remaining_claims.
type Remaining struct {
	Claims      *big.Int `json:"claims_remaining"`
	Acceptances *big.Int `json:"acceptances_remaining"`
}

// Filter narrows ListDeposits.
type Filter struct {
	Depositor *common.Address
	OpenEnded *bool
	Limit     int
	Offset    int
}

// Match reports whether d passes the filter predicates. Limit and offset
// are applied by the caller.
func (f Filter) Match(d Deposit) bool {
	if f.Depositor != nil && d.Depositor != *f.Depositor {
		return false
	}
	if f.OpenEnded != nil && d.IsOpenEnded != *f.OpenEnded {
		return false
	}
	return true
}

// Roles is the administrative identity set of an escrow.
type Roles struct {
	Owner  common.Address   `json:"owner"`
	Admins []common.Address `json:"admins"`
}

// Slot returns the slot for id and its index, or nil.
func (e *Entry) Slot(id RecipientID) (*RecipientSlot, int) {
	for i := range e.Slots {
		if e.Slots[i].RecipientID == id {
			return &e.Slots[i], i
		}
	}
	return nil, -1
}

// Clone returns a deep copy so callers can mutate without touching store state.
func (e *Entry) Clone() *Entry {
	out := &Entry{Deposit: e.Deposit.Clone()}
	if len(e.Slots) > 0 {
		out.Slots = make([]RecipientSlot, len(e.Slots))
		for i, s := range e.Slots {
			s.Paid = cloneInt(s.Paid)
			out.Slots[i] = s
		}
	}
	return out
}

// Clone returns a deep copy of d.
func (d Deposit) Clone() Deposit {
	d.Amount = cloneInt(d.Amount)
	d.ClaimableAmount = cloneInt(d.ClaimableAmount)
	d.RefundableAmount = cloneInt(d.RefundableAmount)
	d.PerClaimAmount = cloneInt(d.PerClaimAmount)
	d.TotalDeposited = cloneInt(d.TotalDeposited)
	d.TotalPaid = cloneInt(d.TotalPaid)
	d.TotalRefunded = cloneInt(d.TotalRefunded)
	return d
}

// Exhausted reports whether nothing is left in escrow.
func (d *Deposit) Exhausted() bool {
	return d.Amount == nil || d.Amount.Sign() == 0
}

// rebalance restores claimable <= amount and refundable <= amount after
// value leaves the deposit. Missions keep refundable equal to amount.
func (d *Deposit) rebalance() {
	if d.IsOpenEnded {
		if d.Amount.Cmp(d.PerClaimAmount) >= 0 {
			d.ClaimableAmount = cloneInt(d.PerClaimAmount)
		} else {
			d.ClaimableAmount = new(big.Int)
		}
		d.RefundableAmount = cloneInt(d.Amount)
		return
	}
	d.ClaimableAmount = minInt(d.ClaimableAmount, d.Amount)
	d.RefundableAmount = minInt(d.RefundableAmount, d.Amount)
}

// reprice recomputes a fixed-capacity share from the current amount and
// capacity. Unclaimed shares remain refundable only once accepted.
func (d *Deposit) reprice() {
	d.ClaimableAmount = new(big.Int).Quo(d.Amount, new(big.Int).SetUint64(d.AssistantCount))
	if !d.Accepted {
		d.RefundableAmount = cloneInt(d.Amount)
		return
	}
	open := new(big.Int).SetUint64(d.AssistantCount - d.ClaimedCount)
	d.RefundableAmount = minInt(d.Amount, open.Mul(open, d.ClaimableAmount))
}
