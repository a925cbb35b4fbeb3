package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Escrow implements the task lifecycle over a Store, moving value through
// a Ledger under the rules of a Policy. Every mutating operation is one
// unit of work: its accounting change and its transfers commit together
// or not at all.
type Escrow struct {
	store  Store
	ledger Ledger
	policy *Policy
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Escrow.
type Option func(*Escrow)

// WithBus publishes committed events to b.
func WithBus(b *Bus) Option { return func(s *Escrow) { s.bus = b } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Escrow) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Escrow) { s.now = now } }

// New builds an Escrow.
func New(store Store, ledger Ledger, policy *Policy, opts ...Option) *Escrow {
	s := &Escrow{
		store:  store,
		ledger: ledger,
		policy: policy,
		bus:    NewBus(0),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "escrow")
	return s
}

// Policy returns the authorization policy in use.
func (s *Escrow) Policy() *Policy { return s.policy }

// Bus returns the event bus.
func (s *Escrow) Bus() *Bus { return s.bus }

// Ledger returns the ledger client.
func (s *Escrow) Ledger() Ledger { return s.ledger }

// unit collects the transfers and events of one operation.
type unit struct {
	op     string
	caller common.Address
	at     time.Time
	j      *journal
	events []Event
}

func (s *Escrow) begin(op string, caller common.Address) *unit {
	return &unit{op: op, caller: caller, at: s.now(), j: newJournal(s.ledger)}
}

func (u *unit) emit(t EventType, task TaskID, rid RecipientID, account common.Address, amount *big.Int) {
	evt := Event{Type: t, TaskID: task, RecipientID: rid, Account: account, Caller: u.caller, At: u.at}
	if amount != nil {
		evt.Amount = cloneInt(amount)
	}
	u.events = append(u.events, evt)
}

// reverse undoes the unit's settled transfers. It is a no-op once the
// journal is empty.
func (s *Escrow) reverse(ctx context.Context, u *unit) error {
	if err := u.j.rollback(ctx); err != nil {
		s.logger.Error("rollback failed", "op", u.op, "caller", u.caller.Hex(), "err", err)
		return err
	}
	return nil
}

// guard runs fn inside the store's unit of work. A failing fn has its
// transfers reversed before the store releases the task.
func (s *Escrow) guard(u *unit, fn func(ctx context.Context, e *Entry) error) func(context.Context, *Entry) error {
	return func(ctx context.Context, e *Entry) error {
		err := fn(ctx, e)
		if err != nil {
			if rerr := s.reverse(ctx, u); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return err
	}
}

// finish publishes on success. On failure it reverses whatever the
// store's commit left settled.
func (s *Escrow) finish(ctx context.Context, u *unit, err error) error {
	if err != nil {
		if rerr := s.reverse(ctx, u); rerr != nil {
			err = errors.Join(err, rerr)
		}
		var oe *OpError
		if !errors.As(err, &oe) {
			err = fmt.Errorf("%s: %w", u.op, err)
		}
		s.logger.Debug("operation rejected", "op", u.op, "caller", u.caller.Hex(), "err", err)
		return err
	}
	s.bus.Publish(u.events...)
	s.logger.Debug("operation committed", "op", u.op, "caller", u.caller.Hex(), "events", len(u.events))
	return nil
}

// update runs fn as a unit of work against task id.
func (s *Escrow) update(ctx context.Context, u *unit, id TaskID, fn func(ctx context.Context, e *Entry) error) (*Entry, error) {
	var out *Entry
	err := s.store.Update(ctx, id, s.guard(u, func(ctx context.Context, e *Entry) error {
		if err := fn(ctx, e); err != nil {
			return err
		}
		if len(u.events) > 0 {
			e.Deposit.UpdatedAt = u.at
		}
		out = e.Clone()
		return nil
	}))
	if err := s.finish(ctx, u, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Escrow) slot(op string, e *Entry, rid RecipientID) (*RecipientSlot, int, error) {
	sl, i := e.Slot(rid)
	if sl == nil {
		return nil, -1, opErr(op, ErrNotFound, "recipient not found")
	}
	return sl, i, nil
}

func validCaller(op string, caller common.Address) error {
	if caller == (common.Address{}) {
		return opErr(op, ErrUnauthorized, "missing caller identity")
	}
	return nil
}

// CreateDeposit funds a fixed-capacity task from the caller.
func (s *Escrow) CreateDeposit(ctx context.Context, caller common.Address, id TaskID, amount *big.Int, capacity uint64) (Deposit, error) {
	const op = "create_deposit"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	switch {
	case id == (TaskID{}):
		return Deposit{}, opErr(op, ErrInvalidParams, "task id is required")
	case !positive(amount):
		return Deposit{}, opErr(op, ErrInvalidParams, "amount must be positive")
	case capacity == 0:
		return Deposit{}, opErr(op, ErrInvalidParams, "assistant count must be positive")
	case amount.Cmp(new(big.Int).SetUint64(capacity)) < 0:
		return Deposit{}, opErr(op, ErrInvalidParams, "amount must cover every assistant")
	}
	e := s.newEntry(id, caller, amount)
	e.Deposit.AssistantCount = capacity
	e.Deposit.ClaimableAmount = new(big.Int).Quo(amount, new(big.Int).SetUint64(capacity))
	return s.create(ctx, op, caller, e)
}

// CreateOpenEndedDeposit funds a mission paying perClaim to each claim.
func (s *Escrow) CreateOpenEndedDeposit(ctx context.Context, caller common.Address, id TaskID, amount, perClaim *big.Int) (Deposit, error) {
	const op = "create_open_ended_deposit"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	switch {
	case id == (TaskID{}):
		return Deposit{}, opErr(op, ErrInvalidParams, "task id is required")
	case !positive(perClaim):
		return Deposit{}, opErr(op, ErrInvalidParams, "per claim amount must be positive")
	case amount == nil || amount.Cmp(perClaim) < 0:
		return Deposit{}, opErr(op, ErrInvalidParams, "amount must cover at least one claim")
	}
	e := s.newEntry(id, caller, amount)
	e.Deposit.IsOpenEnded = true
	e.Deposit.PerClaimAmount = cloneInt(perClaim)
	e.Deposit.rebalance()
	return s.create(ctx, op, caller, e)
}

func (s *Escrow) newEntry(id TaskID, depositor common.Address, amount *big.Int) *Entry {
	now := s.now()
	return &Entry{Deposit: Deposit{
		TaskID:           id,
		Depositor:        depositor,
		Amount:           cloneInt(amount),
		ClaimableAmount:  new(big.Int),
		RefundableAmount: cloneInt(amount),
		PerClaimAmount:   new(big.Int),
		AllowRefund:      true,
		TotalDeposited:   cloneInt(amount),
		TotalPaid:        new(big.Int),
		TotalRefunded:    new(big.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}}
}

func (s *Escrow) create(ctx context.Context, op string, caller common.Address, e *Entry) (Deposit, error) {
	u := s.begin(op, caller)
	err := s.store.Create(ctx, e, s.guard(u, func(ctx context.Context, e *Entry) error {
		if err := u.j.in(ctx, caller, e.Deposit.Amount); err != nil {
			return err
		}
		u.emit(EventDepositCreated, e.Deposit.TaskID, RecipientID{}, caller, e.Deposit.Amount)
		return nil
	}))
	if err := s.finish(ctx, u, err); err != nil {
		return Deposit{}, err
	}
	return e.Deposit.Clone(), nil
}

// AddRecipient attaches a recipient slot. Fixed-capacity tasks accept at
// most AssistantCount slots.
func (s *Escrow) AddRecipient(ctx context.Context, caller common.Address, id TaskID, recipient common.Address, rid RecipientID) (RecipientSlot, error) {
	const op = "add_recipient"
	if err := validCaller(op, caller); err != nil {
		return RecipientSlot{}, err
	}
	if recipient == (common.Address{}) || rid == (RecipientID{}) {
		return RecipientSlot{}, opErr(op, ErrInvalidParams, "recipient address and id are required")
	}
	u := s.begin(op, caller)
	var added RecipientSlot
	_, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		if sl, _ := e.Slot(rid); sl != nil {
			return opErr(op, ErrDuplicateRecipient, "recipient id already attached")
		}
		if !d.IsOpenEnded && d.RecipientCount >= d.AssistantCount {
			return opErr(op, ErrCapacityExceeded, "Recipients cannot exceed the assistant count")
		}
		added = RecipientSlot{TaskID: id, RecipientID: rid, Recipient: recipient, Paid: new(big.Int), AddedAt: u.at}
		e.Slots = append(e.Slots, added)
		d.RecipientCount++
		d.Accepted = true
		u.emit(EventRecipientAdded, id, rid, recipient, nil)
		return nil
	})
	if err != nil {
		return RecipientSlot{}, err
	}
	return added, nil
}

// RemoveRecipient detaches a slot that has not been made claimable.
func (s *Escrow) RemoveRecipient(ctx context.Context, caller common.Address, id TaskID, rid RecipientID) (Deposit, error) {
	const op = "remove_recipient"
	if err := s.policy.requireAdmin(op, caller); err != nil {
		return Deposit{}, err
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		sl, i, err := s.slot(op, e, rid)
		if err != nil {
			return err
		}
		if sl.IsClaimable {
			return opErr(op, ErrAlreadyClaimable, "Unable to remove recipient due to recipient state being set to claimable")
		}
		u.emit(EventRecipientRemoved, id, rid, sl.Recipient, nil)
		e.Slots = append(e.Slots[:i], e.Slots[i+1:]...)
		e.Deposit.RecipientCount--
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// SetClaimable authorizes payout for a slot. Repeating it changes nothing.
func (s *Escrow) SetClaimable(ctx context.Context, caller common.Address, id TaskID, rid RecipientID) (RecipientSlot, error) {
	const op = "set_claimable"
	if err := s.policy.requireAdmin(op, caller); err != nil {
		return RecipientSlot{}, err
	}
	u := s.begin(op, caller)
	var out RecipientSlot
	_, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		sl, _, err := s.slot(op, e, rid)
		if err != nil {
			return err
		}
		if !sl.IsClaimable {
			sl.IsClaimable = true
			u.emit(EventClaimableSet, id, rid, sl.Recipient, nil)
		}
		out = *sl
		out.Paid = cloneInt(sl.Paid)
		return nil
	})
	if err != nil {
		return RecipientSlot{}, err
	}
	return out, nil
}

// pay moves payout from the deposit to the slot's recipient and marks the
// slot claimed.
func pay(d *Deposit, sl *RecipientSlot, payout *big.Int) {
	d.Amount.Sub(d.Amount, payout)
	if d.RefundableAmount.Cmp(payout) > 0 {
		d.RefundableAmount.Sub(d.RefundableAmount, payout)
	} else {
		d.RefundableAmount.SetInt64(0)
	}
	d.TotalPaid.Add(d.TotalPaid, payout)
	sl.Paid.Add(sl.Paid, payout)
	sl.IsClaimable = true
	sl.IsClaimed = true
	d.ClaimedCount++
	d.rebalance()
}

// Claim pays the current share to the slot's recipient. Only the recipient
// may claim.
func (s *Escrow) Claim(ctx context.Context, caller common.Address, id TaskID, rid RecipientID) (RecipientSlot, error) {
	const op = "claim"
	if err := validCaller(op, caller); err != nil {
		return RecipientSlot{}, err
	}
	u := s.begin(op, caller)
	var out RecipientSlot
	_, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		sl, _, err := s.slot(op, e, rid)
		if err != nil {
			return err
		}
		if err := s.policy.requireRecipient(op, caller, sl); err != nil {
			return err
		}
		if !sl.IsClaimable {
			return opErr(op, ErrNotYetClaimable, "EnergyEscrow::claim: not yet claimable")
		}
		payout := cloneInt(d.ClaimableAmount)
		if sl.IsClaimed || payout.Sign() == 0 {
			return opErr(op, ErrNothingToClaim, "EnergyEscrow::claim: nothing to claim")
		}
		if err := u.j.out(ctx, sl.Recipient, payout); err != nil {
			return err
		}
		pay(d, sl, payout)
		u.emit(EventClaimed, id, rid, sl.Recipient, payout)
		out = *sl
		out.Paid = cloneInt(sl.Paid)
		return nil
	})
	if err != nil {
		return RecipientSlot{}, err
	}
	return out, nil
}

// Refund returns the refundable balance to the depositor of a task that
// was never accepted.
func (s *Escrow) Refund(ctx context.Context, caller common.Address, id TaskID) (Deposit, error) {
	const op = "refund"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		switch {
		case d.RecipientCount > 0:
			return opErr(op, ErrAlreadyAccepted, "There should be no recipients to be eligible for a refund")
		case d.Accepted:
			return opErr(op, ErrAlreadyAccepted, "Cannot refund as the task was previously accepted by an assistant")
		case !d.AllowRefund:
			return opErr(op, ErrRefundDisabled, "refunds are disabled for this task")
		case d.RefundableAmount.Sign() == 0:
			return opErr(op, ErrNothingToClaim, "nothing to refund")
		}
		payout := cloneInt(d.RefundableAmount)
		if err := u.j.out(ctx, d.Depositor, payout); err != nil {
			return err
		}
		d.Amount.Sub(d.Amount, payout)
		d.TotalRefunded.Add(d.TotalRefunded, payout)
		d.ClaimableAmount.SetInt64(0)
		d.RefundableAmount.SetInt64(0)
		u.emit(EventRefunded, id, RecipientID{}, d.Depositor, payout)
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// ForceRefund cancels a task on behalf of either the named slot's recipient
// or the depositor. A recipient beneficiary receives the current share as
// if they had claimed. A depositor beneficiary receives everything left
// after any claimable, unclaimed recipient is paid.
func (s *Escrow) ForceRefund(ctx context.Context, caller common.Address, id TaskID, rid RecipientID, beneficiary common.Address) (Deposit, error) {
	const op = "force_refund"
	if err := s.policy.requireAdmin(op, caller); err != nil {
		return Deposit{}, err
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		sl, _, err := s.slot(op, e, rid)
		if err != nil {
			return err
		}
		switch beneficiary {
		case sl.Recipient:
			payout := cloneInt(d.ClaimableAmount)
			if sl.IsClaimed || payout.Sign() == 0 {
				return opErr(op, ErrNothingToClaim, "recipient has nothing left to receive")
			}
			if err := u.j.out(ctx, sl.Recipient, payout); err != nil {
				return err
			}
			pay(d, sl, payout)
			u.emit(EventForceRefunded, id, rid, sl.Recipient, payout)
		case d.Depositor:
			if sl.IsClaimable && !sl.IsClaimed && d.ClaimableAmount.Sign() > 0 {
				owed := cloneInt(d.ClaimableAmount)
				if err := u.j.out(ctx, sl.Recipient, owed); err != nil {
					return err
				}
				pay(d, sl, owed)
				u.emit(EventForceRefunded, id, rid, sl.Recipient, owed)
			}
			rest := cloneInt(d.Amount)
			if err := u.j.out(ctx, d.Depositor, rest); err != nil {
				return err
			}
			d.Amount.SetInt64(0)
			d.ClaimableAmount.SetInt64(0)
			d.RefundableAmount.SetInt64(0)
			d.TotalRefunded.Add(d.TotalRefunded, rest)
			u.emit(EventForceRefunded, id, rid, d.Depositor, rest)
		default:
			return opErr(op, ErrInvalidParams, "beneficiary must be the recipient or the depositor")
		}
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// IncreaseAssistantCount raises the capacity of a fixed-capacity task and
// optionally adds funds from the caller. The share is recomputed from the
// new total over the new capacity; past claims are not adjusted.
func (s *Escrow) IncreaseAssistantCount(ctx context.Context, caller common.Address, id TaskID, capacity uint64, additional *big.Int) (Deposit, error) {
	const op = "increase_assistant_count"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	if additional == nil {
		additional = new(big.Int)
	}
	if !nonNegative(additional) {
		return Deposit{}, opErr(op, ErrInvalidParams, "additional amount must not be negative")
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		if d.IsOpenEnded {
			return opErr(op, ErrInvalidParams, "open-ended missions have no assistant count")
		}
		if capacity <= d.AssistantCount {
			return opErr(op, ErrInvalidParams, "new assistant count must exceed the current one")
		}
		if err := u.j.in(ctx, caller, additional); err != nil {
			return err
		}
		d.Amount.Add(d.Amount, additional)
		d.TotalDeposited.Add(d.TotalDeposited, additional)
		d.AssistantCount = capacity
		d.reprice()
		u.emit(EventCapacityIncreased, id, RecipientID{}, caller, additional)
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// IncreaseEnergyAmount adds funds to a fixed-capacity task and raises the
// per-assistant share. Recipients who already claimed are topped up to the
// new share in the same step; a slot already paid that much gets nothing.
func (s *Escrow) IncreaseEnergyAmount(ctx context.Context, caller common.Address, id TaskID, additional *big.Int) (Deposit, error) {
	const op = "increase_energy_amount"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	if !positive(additional) {
		return Deposit{}, opErr(op, ErrInvalidParams, "additional amount must be positive")
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		if d.IsOpenEnded {
			return opErr(op, ErrInvalidParams, "use increase_energy_amount_for_open_ended for missions")
		}
		old := cloneInt(d.ClaimableAmount)
		if err := u.j.in(ctx, caller, additional); err != nil {
			return err
		}
		d.Amount.Add(d.Amount, additional)
		d.TotalDeposited.Add(d.TotalDeposited, additional)
		d.reprice()
		if d.ClaimableAmount.Cmp(old) < 0 {
			return opErr(op, ErrInvalidParams, "additional amount does not raise the per-assistant share")
		}
		u.emit(EventBudgetIncreased, id, RecipientID{}, caller, additional)
		for i := range e.Slots {
			sl := &e.Slots[i]
			if !sl.IsClaimed {
				continue
			}
			// Paid already covers earlier shares and top-ups.
			owed := new(big.Int).Sub(d.ClaimableAmount, sl.Paid)
			if owed.Sign() <= 0 {
				continue
			}
			if d.Amount.Cmp(owed) < 0 {
				return opErr(op, ErrInsufficientBalance, "escrow cannot cover compensation")
			}
			if err := u.j.out(ctx, sl.Recipient, owed); err != nil {
				return err
			}
			d.Amount.Sub(d.Amount, owed)
			d.TotalPaid.Add(d.TotalPaid, owed)
			sl.Paid.Add(sl.Paid, owed)
			u.emit(EventCompensated, id, sl.RecipientID, sl.Recipient, owed)
		}
		d.rebalance()
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// IncreaseEnergyAmountForOpenEnded sets a new per-claim amount on a mission.
// Recipients who already claimed keep what they received.
func (s *Escrow) IncreaseEnergyAmountForOpenEnded(ctx context.Context, caller common.Address, id TaskID, perClaim *big.Int) (Deposit, error) {
	const op = "increase_energy_amount_for_open_ended"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	if !positive(perClaim) {
		return Deposit{}, opErr(op, ErrInvalidParams, "per claim amount must be positive")
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		if !d.IsOpenEnded {
			return opErr(op, ErrInvalidParams, "task is not an open-ended mission")
		}
		d.PerClaimAmount = cloneInt(perClaim)
		d.rebalance()
		u.emit(EventPerClaimChanged, id, RecipientID{}, caller, perClaim)
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// DepositForOpenEnded adds funds to a mission, extending how many claims it
// can pay.
func (s *Escrow) DepositForOpenEnded(ctx context.Context, caller common.Address, id TaskID, additional *big.Int) (Deposit, error) {
	const op = "deposit_for_open_ended"
	if err := validCaller(op, caller); err != nil {
		return Deposit{}, err
	}
	if !positive(additional) {
		return Deposit{}, opErr(op, ErrInvalidParams, "additional amount must be positive")
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		d := &e.Deposit
		if err := s.policy.requireDepositor(op, caller, d); err != nil {
			return err
		}
		if !d.IsOpenEnded {
			return opErr(op, ErrInvalidParams, "task is not an open-ended mission")
		}
		if err := u.j.in(ctx, caller, additional); err != nil {
			return err
		}
		d.Amount.Add(d.Amount, additional)
		d.TotalDeposited.Add(d.TotalDeposited, additional)
		d.rebalance()
		u.emit(EventBudgetIncreased, id, RecipientID{}, caller, additional)
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// DeleteDeposit removes an exhausted task and its slots.
func (s *Escrow) DeleteDeposit(ctx context.Context, caller common.Address, id TaskID) error {
	const op = "delete_deposit"
	if err := s.policy.requireAdmin(op, caller); err != nil {
		return err
	}
	u := s.begin(op, caller)
	err := s.store.Delete(ctx, id, func(_ context.Context, e *Entry) error {
		if !e.Deposit.Exhausted() {
			return opErr(op, ErrNonZeroBalance, "There's still an amount left in the deposit")
		}
		u.emit(EventDepositDeleted, id, RecipientID{}, e.Deposit.Depositor, nil)
		return nil
	})
	return s.finish(ctx, u, err)
}

// SetAllowRefund toggles whether plain refunds are permitted.
func (s *Escrow) SetAllowRefund(ctx context.Context, caller common.Address, id TaskID, allow bool) (Deposit, error) {
	const op = "set_allow_refund"
	if err := s.policy.requireAdmin(op, caller); err != nil {
		return Deposit{}, err
	}
	u := s.begin(op, caller)
	e, err := s.update(ctx, u, id, func(ctx context.Context, e *Entry) error {
		if e.Deposit.AllowRefund == allow {
			return nil
		}
		e.Deposit.AllowRefund = allow
		flag := new(big.Int)
		if allow {
			flag.SetInt64(1)
		}
		u.emit(EventRefundFlagChanged, id, RecipientID{}, e.Deposit.Depositor, flag)
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	return e.Deposit, nil
}

// TransferOwnership hands the owner role to next. Owner only.
func (s *Escrow) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	const op = "transfer_ownership"
	u := s.begin(op, caller)
	err := s.policy.mutate(ctx, func(r *Roles) error {
		if caller != r.Owner {
			return opErr(op, ErrUnauthorized, "caller is not the owner")
		}
		if next == (common.Address{}) {
			return opErr(op, ErrInvalidParams, "new owner is the zero address")
		}
		u.emit(EventOwnershipTransferred, TaskID{}, RecipientID{}, next, nil)
		r.Owner = next
		return nil
	})
	return s.finish(ctx, u, err)
}

// GrantAdmin gives who administrative rights. Owner only.
func (s *Escrow) GrantAdmin(ctx context.Context, caller, who common.Address) error {
	const op = "grant_admin"
	u := s.begin(op, caller)
	err := s.policy.mutate(ctx, func(r *Roles) error {
		if caller != r.Owner {
			return opErr(op, ErrUnauthorized, "caller is not the owner")
		}
		if who == (common.Address{}) {
			return opErr(op, ErrInvalidParams, "admin is the zero address")
		}
		for _, a := range r.Admins {
			if a == who {
				return nil
			}
		}
		r.Admins = append(r.Admins, who)
		u.emit(EventAdminGranted, TaskID{}, RecipientID{}, who, nil)
		return nil
	})
	return s.finish(ctx, u, err)
}

// RevokeAdmin removes who from the admin set. Owner only; the owner itself
// cannot be revoked.
func (s *Escrow) RevokeAdmin(ctx context.Context, caller, who common.Address) error {
	const op = "revoke_admin"
	u := s.begin(op, caller)
	err := s.policy.mutate(ctx, func(r *Roles) error {
		if caller != r.Owner {
			return opErr(op, ErrUnauthorized, "caller is not the owner")
		}
		for i, a := range r.Admins {
			if a == who {
				r.Admins = append(r.Admins[:i], r.Admins[i+1:]...)
				u.emit(EventAdminRevoked, TaskID{}, RecipientID{}, who, nil)
				return nil
			}
		}
		return opErr(op, ErrNotFound, "address is not an admin")
	})
	return s.finish(ctx, u, err)
}

// ViewDeposit returns the deposit or ErrNotFound.
func (s *Escrow) ViewDeposit(ctx context.Context, id TaskID) (Deposit, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Deposit{}, fmt.Errorf("view_deposit: %w", err)
	}
	return e.Deposit, nil
}

// ViewRecipient returns one slot or ErrNotFound.
func (s *Escrow) ViewRecipient(ctx context.Context, id TaskID, rid RecipientID) (RecipientSlot, error) {
	const op = "view_recipient"
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return RecipientSlot{}, fmt.Errorf("%s: %w", op, err)
	}
	sl, _, err := s.slot(op, e, rid)
	if err != nil {
		return RecipientSlot{}, err
	}
	return *sl, nil
}

// ListRecipients returns the slots of a task in insertion order.
func (s *Escrow) ListRecipients(ctx context.Context, id TaskID) ([]RecipientSlot, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list_recipients: %w", err)
	}
	return e.Slots, nil
}

// ListDeposits returns deposits matching f.
func (s *Escrow) ListDeposits(ctx context.Context, f Filter) ([]Deposit, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list_deposits: %w", err)
	}
	return out, nil
}

// CalculateRemainingClaims reports how many claims and acceptances the task
// can still pay for.
func (s *Escrow) CalculateRemainingClaims(ctx context.Context, id TaskID) (Remaining, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Remaining{}, fmt.Errorf("calculate_remaining_claims: %w", err)
	}
	return RemainingClaims(e.Deposit), nil
}

// RemainingClaims computes remaining claims and acceptances for d. Missions
// derive both from amount / per-claim amount.
func RemainingClaims(d Deposit) Remaining {
	if d.IsOpenEnded {
		n := new(big.Int)
		if positive(d.PerClaimAmount) {
			n.Quo(d.Amount, d.PerClaimAmount)
		}
		return Remaining{Claims: n, Acceptances: cloneInt(n)}
	}
	claims := new(big.Int).SetUint64(d.AssistantCount - d.ClaimedCount)
	acceptances := new(big.Int).SetUint64(d.AssistantCount - d.RecipientCount)
	return Remaining{Claims: claims, Acceptances: acceptances}
}
