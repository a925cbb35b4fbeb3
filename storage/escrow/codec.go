package escrow

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// Amounts, addresses and handles are persisted as text so both SQL
// backends share one encoding.

func encInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("decode amount %q", s)
	}
	return v, nil
}

func decHash(s string) (common.Hash, error) {
	return escrow.ParseHandle(s)
}

func decAddr(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("decode address %q", s)
	}
	return common.HexToAddress(s), nil
}

// depositRow is the scan target shared by the SQL stores.
type depositRow struct {
	taskID, depositor                        string
	amount, claimable, refundable, perClaim  string
	assistants, recipients, claimed          int64
	allowRefund, openEnded, accepted         bool
	totalDeposited, totalPaid, totalRefunded string
}

func (r depositRow) decode() (escrow.Deposit, error) {
	var (
		d   escrow.Deposit
		err error
	)
	if d.TaskID, err = decHash(r.taskID); err != nil {
		return d, err
	}
	if d.Depositor, err = decAddr(r.depositor); err != nil {
		return d, err
	}
	ints := []struct {
		dst **big.Int
		src string
	}{
		{&d.Amount, r.amount},
		{&d.ClaimableAmount, r.claimable},
		{&d.RefundableAmount, r.refundable},
		{&d.PerClaimAmount, r.perClaim},
		{&d.TotalDeposited, r.totalDeposited},
		{&d.TotalPaid, r.totalPaid},
		{&d.TotalRefunded, r.totalRefunded},
	}
	for _, f := range ints {
		if *f.dst, err = decInt(f.src); err != nil {
			return d, err
		}
	}
	d.AssistantCount = uint64(r.assistants)
	d.RecipientCount = uint64(r.recipients)
	d.ClaimedCount = uint64(r.claimed)
	d.AllowRefund = r.allowRefund
	d.IsOpenEnded = r.openEnded
	d.Accepted = r.accepted
	return d, nil
}

// depositArgs lists the persisted columns in schema order, starting at task_id.
func depositArgs(d escrow.Deposit) []any {
	return []any{
		d.TaskID.Hex(), d.Depositor.Hex(),
		encInt(d.Amount), encInt(d.ClaimableAmount), encInt(d.RefundableAmount), encInt(d.PerClaimAmount),
		int64(d.AssistantCount), int64(d.RecipientCount), int64(d.ClaimedCount),
		d.AllowRefund, d.IsOpenEnded, d.Accepted,
		encInt(d.TotalDeposited), encInt(d.TotalPaid), encInt(d.TotalRefunded),
	}
}

type slotRow struct {
	recipientID, recipient string
	claimable, claimed     bool
	paid                   string
}

func (r slotRow) decode(task escrow.TaskID) (escrow.RecipientSlot, error) {
	var (
		s   escrow.RecipientSlot
		err error
	)
	s.TaskID = task
	if s.RecipientID, err = decHash(r.recipientID); err != nil {
		return s, err
	}
	if s.Recipient, err = decAddr(r.recipient); err != nil {
		return s, err
	}
	if s.Paid, err = decInt(r.paid); err != nil {
		return s, err
	}
	s.IsClaimable = r.claimable
	s.IsClaimed = r.claimed
	return s, nil
}

// slotDiff classifies slot changes made by a unit of work.
type slotDiff struct {
	added, changed []escrow.RecipientSlot
	removed        []escrow.RecipientID
}

func diffSlots(before, after []escrow.RecipientSlot) slotDiff {
	var d slotDiff
	prev := make(map[escrow.RecipientID]escrow.RecipientSlot, len(before))
	for _, s := range before {
		prev[s.RecipientID] = s
	}
	for _, s := range after {
		old, ok := prev[s.RecipientID]
		delete(prev, s.RecipientID)
		switch {
		case !ok:
			d.added = append(d.added, s)
		case old.IsClaimable != s.IsClaimable || old.IsClaimed != s.IsClaimed || old.Paid.Cmp(s.Paid) != 0:
			d.changed = append(d.changed, s)
		}
	}
	for _, s := range before {
		if _, gone := prev[s.RecipientID]; gone {
			d.removed = append(d.removed, s.RecipientID)
		}
	}
	return d
}

func encAdmins(as []common.Address) (string, error) {
	hex := make([]string, len(as))
	for i, a := range as {
		hex[i] = a.Hex()
	}
	b, err := json.Marshal(hex)
	return string(b), err
}

func decRoles(owner, admins string) (escrow.Roles, error) {
	var r escrow.Roles
	o, err := decAddr(owner)
	if err != nil {
		return r, err
	}
	r.Owner = o
	var hex []string
	if err := json.Unmarshal([]byte(admins), &hex); err != nil {
		return r, fmt.Errorf("decode admins: %w", err)
	}
	for _, h := range hex {
		a, err := decAddr(h)
		if err != nil {
			return r, err
		}
		r.Admins = append(r.Admins, a)
	}
	return r, nil
}

func decAllowance(owner, spender, amount string) (credit.Allowance, error) {
	var (
		a   credit.Allowance
		err error
	)
	if a.Owner, err = decAddr(owner); err != nil {
		return a, err
	}
	if a.Spender, err = decAddr(spender); err != nil {
		return a, err
	}
	a.Amount, err = decInt(amount)
	return a, err
}
