package escrow_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	escrowstore "github.com/humandao-org/EnergyContracts/storage/escrow"
)

func addr(b byte) common.Address { return common.BytesToAddress([]byte{0x10, b}) }

var (
	owner     = addr(0x01)
	admin     = addr(0x02)
	depositor = addr(0x03)
	stranger  = addr(0x04)
	custody   = addr(0xee)
)

func nonce(n byte) escrow.Nonce {
	var out escrow.Nonce
	out[31] = n
	return out
}

func recipient(n byte) common.Address { return addr(0x40 + n) }

func rid(n byte) escrow.RecipientID { return escrow.DeriveRecipientID(recipient(n), nonce(n)) }

func taskID(n byte) escrow.TaskID { return escrow.DeriveTaskID(depositor, nonce(n)) }

func amt(v int64) *big.Int { return big.NewInt(v) }

type fixture struct {
	t       *testing.T
	ctx     context.Context
	token   *credit.Token
	account *credit.EscrowAccount
	store   *escrowstore.MemoryStore
	policy  *escrow.Policy
	svc     *escrow.Escrow

	mu     sync.Mutex
	events []escrow.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{t: t, ctx: ctx, store: escrowstore.NewMemoryStore()}
	f.token = credit.NewToken("Energy", "ENRG", owner)
	f.account = credit.NewEscrowAccount(f.token, custody)
	policy, err := escrow.NewPolicy(ctx, f.store, escrow.Roles{Owner: owner, Admins: []common.Address{admin}})
	require.NoError(t, err)
	f.policy = policy
	f.svc = f.with(f.account)
	return f
}

// with builds a service over the fixture's state using ledger l.
func (f *fixture) with(l escrow.Ledger) *escrow.Escrow {
	bus := escrow.NewBus(100)
	bus.Subscribe(func(e escrow.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	return escrow.New(f.store, l, f.policy, escrow.WithBus(bus))
}

func (f *fixture) fund(who common.Address, v int64) {
	f.t.Helper()
	require.NoError(f.t, f.token.Mint(f.ctx, owner, who, amt(v)))
	allowed := f.token.Allowance(who, custody)
	require.NoError(f.t, f.token.Approve(f.ctx, who, custody, allowed.Add(allowed, amt(v))))
}

func (f *fixture) balance(who common.Address) string {
	return f.token.BalanceOf(who).String()
}

func (f *fixture) eventTypes() []escrow.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]escrow.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func (f *fixture) resetEvents() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

// accept attaches recipient n to the task and marks it claimable.
func (f *fixture) accept(id escrow.TaskID, n byte) {
	f.t.Helper()
	_, err := f.svc.AddRecipient(f.ctx, depositor, id, recipient(n), rid(n))
	require.NoError(f.t, err)
	_, err = f.svc.SetClaimable(f.ctx, admin, id, rid(n))
	require.NoError(f.t, err)
}

func (f *fixture) claim(id escrow.TaskID, n byte) escrow.RecipientSlot {
	f.t.Helper()
	sl, err := f.svc.Claim(f.ctx, recipient(n), id, rid(n))
	require.NoError(f.t, err)
	return sl
}

func (f *fixture) deposit(id escrow.TaskID) escrow.Deposit {
	f.t.Helper()
	d, err := f.svc.ViewDeposit(f.ctx, id)
	require.NoError(f.t, err)
	return d
}

// assertConserved checks that custody holds exactly what the deposits
// account for, and that each deposit's totals reconcile.
func (f *fixture) assertConserved() {
	f.t.Helper()
	all, err := f.svc.ListDeposits(f.ctx, escrow.Filter{})
	require.NoError(f.t, err)
	held := new(big.Int)
	for _, d := range all {
		held.Add(held, d.Amount)
		net := new(big.Int).Sub(d.TotalDeposited, d.TotalPaid)
		net.Sub(net, d.TotalRefunded)
		assert.Equal(f.t, d.Amount.String(), net.String(), "totals of %s", d.TaskID.Hex())
		assert.LessOrEqual(f.t, d.ClaimableAmount.Cmp(d.Amount), 0)
		assert.LessOrEqual(f.t, d.RefundableAmount.Cmp(d.Amount), 0)
	}
	assert.Equal(f.t, held.String(), f.balance(custody))
}

func TestSingleAssistantTask(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 100000)
	id := taskID(1)

	d, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(100000), 1)
	require.NoError(t, err)
	assert.Equal(t, "100000", d.ClaimableAmount.String())
	assert.Equal(t, "100000", d.RefundableAmount.String())

	f.accept(id, 1)
	sl := f.claim(id, 1)
	assert.True(t, sl.IsClaimed)
	assert.Equal(t, "100000", f.balance(recipient(1)))

	d = f.deposit(id)
	assert.Equal(t, "0", d.Amount.String())
	assert.Equal(t, "0", d.RefundableAmount.String())

	_, err = f.svc.Claim(f.ctx, recipient(1), id, rid(1))
	require.ErrorIs(t, err, escrow.ErrNothingToClaim)
	assert.Equal(t, "EnergyEscrow::claim: nothing to claim", escrow.Reason(err))
	f.assertConserved()
}

func TestFixedCapacity(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 4000)
	id := taskID(1)

	d, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
	require.NoError(t, err)
	assert.Equal(t, "1000", d.ClaimableAmount.String())

	for n := byte(1); n <= 4; n++ {
		f.accept(id, n)
	}
	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(5), rid(5))
	require.ErrorIs(t, err, escrow.ErrCapacityExceeded)

	for n := byte(1); n <= 4; n++ {
		f.claim(id, n)
		assert.Equal(t, "1000", f.balance(recipient(n)))
	}
	d = f.deposit(id)
	assert.Equal(t, "0", d.Amount.String())
	assert.Equal(t, "0", d.RefundableAmount.String())
	assert.Equal(t, uint64(4), d.ClaimedCount)
	f.assertConserved()
}

func TestIncreaseEnergyAmountCompensatesClaimed(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 8000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
	require.NoError(t, err)
	f.accept(id, 1)
	f.accept(id, 2)
	f.claim(id, 1)
	f.claim(id, 2)
	assert.Equal(t, "2000", f.deposit(id).Amount.String())
	f.resetEvents()

	d, err := f.svc.IncreaseEnergyAmount(f.ctx, depositor, id, amt(4000))
	require.NoError(t, err)
	assert.Equal(t, "1500", d.ClaimableAmount.String())
	assert.Equal(t, "3000", d.RefundableAmount.String())
	assert.Equal(t, "5000", d.Amount.String())
	assert.Equal(t, "1500", f.balance(recipient(1)))
	assert.Equal(t, "1500", f.balance(recipient(2)))

	slots, err := f.svc.ListRecipients(f.ctx, id)
	require.NoError(t, err)
	for _, sl := range slots {
		assert.Equal(t, "1500", sl.Paid.String())
	}
	assert.Equal(t, []escrow.EventType{
		escrow.EventBudgetIncreased, escrow.EventCompensated, escrow.EventCompensated,
	}, f.eventTypes())

	// The remaining two assistants are paid the new share.
	f.accept(id, 3)
	f.claim(id, 3)
	assert.Equal(t, "1500", f.balance(recipient(3)))
	f.assertConserved()
}

func TestIncreaseEnergyAmountRollsBackOnPayoutFailure(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 8000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
	require.NoError(t, err)
	f.accept(id, 1)
	f.accept(id, 2)
	f.claim(id, 1)
	f.claim(id, 2)
	f.resetEvents()

	svc := f.with(failingPayout{EscrowAccount: f.account, to: recipient(2)})
	_, err = svc.IncreaseEnergyAmount(f.ctx, depositor, id, amt(4000))
	require.ErrorContains(t, err, "ledger offline")

	assert.Equal(t, "4000", f.balance(depositor))
	assert.Equal(t, "1000", f.balance(recipient(1)))
	assert.Equal(t, "1000", f.balance(recipient(2)))
	d := f.deposit(id)
	assert.Equal(t, "2000", d.Amount.String())
	assert.Equal(t, "1000", d.ClaimableAmount.String())
	assert.Empty(t, f.eventTypes())
	f.assertConserved()
}

func TestIncreaseEnergyAmountAfterDrain(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 2000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(1000), 2)
	require.NoError(t, err)
	f.accept(id, 1)
	f.accept(id, 2)
	f.claim(id, 1)
	f.claim(id, 2)
	assert.Equal(t, "0", f.deposit(id).Amount.String())
	f.resetEvents()

	// Both slots were already paid the new share of 500.
	d, err := f.svc.IncreaseEnergyAmount(f.ctx, depositor, id, amt(1000))
	require.NoError(t, err)
	assert.Equal(t, "1000", d.Amount.String())
	assert.Equal(t, "500", d.ClaimableAmount.String())
	assert.Equal(t, "0", d.RefundableAmount.String())
	assert.Equal(t, "500", f.balance(recipient(1)))
	assert.Equal(t, "500", f.balance(recipient(2)))
	assert.Equal(t, []escrow.EventType{escrow.EventBudgetIncreased}, f.eventTypes())

	// A further top-up pays only the difference.
	d, err = f.svc.IncreaseEnergyAmount(f.ctx, depositor, id, amt(1000))
	require.NoError(t, err)
	assert.Equal(t, "1000", f.balance(recipient(1)))
	assert.Equal(t, "1000", f.balance(recipient(2)))
	assert.Equal(t, "1000", d.Amount.String())
	f.assertConserved()
}

// updateObserver reports the ledger as it stands when Update returns,
// before the service sees the result.
type updateObserver struct {
	*escrowstore.MemoryStore
	after func(err error)
}

func (s updateObserver) Update(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	err := s.MemoryStore.Update(ctx, id, fn)
	s.after(err)
	return err
}

func TestFailedUpdateReversesBeforeStoreReturns(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 8000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
	require.NoError(t, err)
	f.accept(id, 1)
	f.accept(id, 2)
	f.claim(id, 1)
	f.claim(id, 2)

	var seen map[string]string
	store := updateObserver{MemoryStore: f.store, after: func(err error) {
		require.Error(t, err)
		seen = map[string]string{
			"depositor": f.balance(depositor),
			"r1":        f.balance(recipient(1)),
			"custody":   f.balance(custody),
		}
	}}
	svc := escrow.New(store, failingPayout{EscrowAccount: f.account, to: recipient(2)}, f.policy)
	_, err = svc.IncreaseEnergyAmount(f.ctx, depositor, id, amt(4000))
	require.ErrorContains(t, err, "ledger offline")
	assert.Equal(t, map[string]string{"depositor": "4000", "r1": "1000", "custody": "2000"}, seen)
	f.assertConserved()
}

func TestConcurrentClaimsAndTopUps(t *testing.T) {
	const (
		workers = 24
		topUps  = 12
	)
	f := newFixture(t)
	f.fund(depositor, 500+topUps*100)
	id := taskID(1)
	_, err := f.svc.CreateOpenEndedDeposit(f.ctx, depositor, id, amt(500), amt(100))
	require.NoError(t, err)
	for n := byte(1); n <= workers; n++ {
		f.accept(id, n)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid int
	)
	for n := byte(1); n <= workers; n++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			_, err := f.svc.Claim(f.ctx, recipient(n), id, rid(n))
			if err != nil {
				assert.ErrorIs(t, err, escrow.ErrNothingToClaim)
				return
			}
			mu.Lock()
			paid++
			mu.Unlock()
		}(n)
	}
	for i := 0; i < topUps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.DepositForOpenEnded(f.ctx, depositor, id, amt(100))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	d := f.deposit(id)
	assert.Equal(t, uint64(paid), d.ClaimedCount)
	assert.Equal(t, amt(int64(paid)*100).String(), d.TotalPaid.String())
	assert.Equal(t, amt(int64(500+topUps*100-paid*100)).String(), d.Amount.String())
	assert.Equal(t, "0", f.balance(depositor))
	f.assertConserved()
}

type failingPayout struct {
	*credit.EscrowAccount
	to common.Address
}

func (l failingPayout) TransferOut(ctx context.Context, to common.Address, amount *big.Int) error {
	if to == l.to {
		return errors.New("ledger offline")
	}
	return l.EscrowAccount.TransferOut(ctx, to, amount)
}

func TestOpenEndedMission(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 100000)
	id := taskID(1)

	d, err := f.svc.CreateOpenEndedDeposit(f.ctx, depositor, id, amt(100000), amt(1000))
	require.NoError(t, err)
	assert.True(t, d.IsOpenEnded)
	assert.Equal(t, "1000", d.ClaimableAmount.String())

	rem, err := f.svc.CalculateRemainingClaims(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "100", rem.Claims.String())
	assert.Equal(t, "100", rem.Acceptances.String())

	for n := byte(1); n <= 7; n++ {
		f.accept(id, n)
		f.claim(id, n)
	}
	rem, err = f.svc.CalculateRemainingClaims(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "93", rem.Claims.String())

	f.fund(admin, 1000000)
	_, err = f.svc.DepositForOpenEnded(f.ctx, admin, id, amt(1000000))
	require.NoError(t, err)
	rem, err = f.svc.CalculateRemainingClaims(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1093", rem.Claims.String())
	assert.Equal(t, "1093", rem.Acceptances.String())
	f.assertConserved()
}

func TestOpenEndedPerClaimChangeDoesNotCompensate(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 10000)
	id := taskID(1)
	_, err := f.svc.CreateOpenEndedDeposit(f.ctx, depositor, id, amt(10000), amt(1000))
	require.NoError(t, err)
	f.accept(id, 1)
	f.claim(id, 1)

	d, err := f.svc.IncreaseEnergyAmountForOpenEnded(f.ctx, depositor, id, amt(2000))
	require.NoError(t, err)
	assert.Equal(t, "2000", d.ClaimableAmount.String())
	assert.Equal(t, "1000", f.balance(recipient(1)))

	rem, err := f.svc.CalculateRemainingClaims(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "4", rem.Claims.String())

	f.accept(id, 2)
	f.claim(id, 2)
	assert.Equal(t, "2000", f.balance(recipient(2)))
	f.assertConserved()
}

func TestOpenEndedRunsDry(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 1500)
	id := taskID(1)
	_, err := f.svc.CreateOpenEndedDeposit(f.ctx, depositor, id, amt(1500), amt(1000))
	require.NoError(t, err)
	f.accept(id, 1)
	f.claim(id, 1)

	d := f.deposit(id)
	assert.Equal(t, "500", d.Amount.String())
	assert.Equal(t, "0", d.ClaimableAmount.String())

	f.accept(id, 2)
	_, err = f.svc.Claim(f.ctx, recipient(2), id, rid(2))
	require.ErrorIs(t, err, escrow.ErrNothingToClaim)
	f.assertConserved()
}

func TestRefund(t *testing.T) {
	t.Run("unaccepted task returns everything", func(t *testing.T) {
		f := newFixture(t)
		f.fund(depositor, 4000)
		id := taskID(1)
		_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
		require.NoError(t, err)
		assert.Equal(t, "0", f.balance(depositor))

		d, err := f.svc.Refund(f.ctx, depositor, id)
		require.NoError(t, err)
		assert.Equal(t, "0", d.Amount.String())
		assert.Equal(t, "4000", d.TotalRefunded.String())
		assert.Equal(t, "4000", f.balance(depositor))

		_, err = f.svc.Refund(f.ctx, depositor, id)
		require.ErrorIs(t, err, escrow.ErrNothingToClaim)

		require.NoError(t, f.svc.DeleteDeposit(f.ctx, admin, id))
		_, err = f.svc.ViewDeposit(f.ctx, id)
		require.ErrorIs(t, err, escrow.ErrNotFound)
		f.assertConserved()
	})

	t.Run("accepted task is never refundable", func(t *testing.T) {
		for _, allow := range []bool{true, false} {
			f := newFixture(t)
			f.fund(depositor, 4000)
			id := taskID(1)
			_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
			require.NoError(t, err)
			_, err = f.svc.SetAllowRefund(f.ctx, admin, id, allow)
			require.NoError(t, err)
			_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(1), rid(1))
			require.NoError(t, err)

			_, err = f.svc.Refund(f.ctx, depositor, id)
			require.ErrorIs(t, err, escrow.ErrAlreadyAccepted, "allow_refund=%v", allow)

			_, err = f.svc.RemoveRecipient(f.ctx, admin, id, rid(1))
			require.NoError(t, err)
			_, err = f.svc.Refund(f.ctx, depositor, id)
			require.ErrorIs(t, err, escrow.ErrAlreadyAccepted, "allow_refund=%v", allow)
			assert.Equal(t, "0", f.balance(depositor))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		f.fund(depositor, 4000)
		id := taskID(1)
		_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
		require.NoError(t, err)
		d, err := f.svc.SetAllowRefund(f.ctx, admin, id, false)
		require.NoError(t, err)
		assert.False(t, d.AllowRefund)

		_, err = f.svc.Refund(f.ctx, depositor, id)
		require.ErrorIs(t, err, escrow.ErrRefundDisabled)
	})

	t.Run("admin may refund for the depositor", func(t *testing.T) {
		f := newFixture(t)
		f.fund(depositor, 4000)
		id := taskID(1)
		_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
		require.NoError(t, err)

		_, err = f.svc.Refund(f.ctx, stranger, id)
		require.ErrorIs(t, err, escrow.ErrUnauthorized)
		_, err = f.svc.Refund(f.ctx, admin, id)
		require.NoError(t, err)
		assert.Equal(t, "4000", f.balance(depositor))
		assert.Equal(t, "0", f.balance(admin))
	})
}

func TestForceRefund(t *testing.T) {
	setup := func(t *testing.T) (*fixture, escrow.TaskID) {
		f := newFixture(t)
		f.fund(depositor, 4000)
		id := taskID(1)
		_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
		require.NoError(t, err)
		f.accept(id, 1)
		_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(2), rid(2))
		require.NoError(t, err)
		return f, id
	}

	t.Run("depositor beneficiary settles the claimable recipient first", func(t *testing.T) {
		f, id := setup(t)
		d, err := f.svc.ForceRefund(f.ctx, admin, id, rid(1), depositor)
		require.NoError(t, err)
		assert.Equal(t, "0", d.Amount.String())
		assert.Equal(t, "1000", f.balance(recipient(1)))
		assert.Equal(t, "3000", f.balance(depositor))

		sl, err := f.svc.ViewRecipient(f.ctx, id, rid(1))
		require.NoError(t, err)
		assert.True(t, sl.IsClaimed)
		require.NoError(t, f.svc.DeleteDeposit(f.ctx, admin, id))
		f.assertConserved()
	})

	t.Run("depositor beneficiary through an unclaimable slot", func(t *testing.T) {
		f, id := setup(t)
		_, err := f.svc.ForceRefund(f.ctx, admin, id, rid(2), depositor)
		require.NoError(t, err)
		assert.Equal(t, "0", f.balance(recipient(2)))
		assert.Equal(t, "4000", f.balance(depositor))
		f.assertConserved()
	})

	t.Run("recipient beneficiary receives the share once", func(t *testing.T) {
		f, id := setup(t)
		_, err := f.svc.ForceRefund(f.ctx, admin, id, rid(2), recipient(2))
		require.NoError(t, err)
		assert.Equal(t, "1000", f.balance(recipient(2)))

		_, err = f.svc.ForceRefund(f.ctx, admin, id, rid(2), recipient(2))
		require.ErrorIs(t, err, escrow.ErrNothingToClaim)
		assert.Equal(t, "3000", f.deposit(id).Amount.String())
		f.assertConserved()
	})

	t.Run("rejections", func(t *testing.T) {
		f, id := setup(t)
		_, err := f.svc.ForceRefund(f.ctx, depositor, id, rid(1), depositor)
		require.ErrorIs(t, err, escrow.ErrUnauthorized)
		_, err = f.svc.ForceRefund(f.ctx, admin, id, rid(1), stranger)
		require.ErrorIs(t, err, escrow.ErrInvalidParams)
		_, err = f.svc.ForceRefund(f.ctx, admin, id, rid(9), depositor)
		require.ErrorIs(t, err, escrow.ErrNotFound)
	})
}

func TestIncreaseAssistantCount(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 8000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(4000), 4)
	require.NoError(t, err)

	d, err := f.svc.IncreaseAssistantCount(f.ctx, depositor, id, 8, amt(4000))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), d.AssistantCount)
	assert.Equal(t, "1000", d.ClaimableAmount.String())
	assert.Equal(t, "8000", d.Amount.String())

	d, err = f.svc.IncreaseAssistantCount(f.ctx, depositor, id, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "800", d.ClaimableAmount.String())

	_, err = f.svc.IncreaseAssistantCount(f.ctx, depositor, id, 10, nil)
	require.ErrorIs(t, err, escrow.ErrInvalidParams)

	mission := taskID(2)
	f.fund(depositor, 1000)
	_, err = f.svc.CreateOpenEndedDeposit(f.ctx, depositor, mission, amt(1000), amt(100))
	require.NoError(t, err)
	_, err = f.svc.IncreaseAssistantCount(f.ctx, depositor, mission, 3, nil)
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
	f.assertConserved()
}

func TestRecipientLifecycle(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 2000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(2000), 2)
	require.NoError(t, err)

	_, err = f.svc.AddRecipient(f.ctx, stranger, id, recipient(1), rid(1))
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = f.svc.AddRecipient(f.ctx, admin, id, recipient(1), rid(1))
	require.NoError(t, err)
	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(1), rid(1))
	require.ErrorIs(t, err, escrow.ErrDuplicateRecipient)

	_, err = f.svc.Claim(f.ctx, recipient(1), id, rid(1))
	require.ErrorIs(t, err, escrow.ErrNotYetClaimable)

	_, err = f.svc.SetClaimable(f.ctx, depositor, id, rid(1))
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	f.resetEvents()
	_, err = f.svc.SetClaimable(f.ctx, admin, id, rid(1))
	require.NoError(t, err)
	sl, err := f.svc.SetClaimable(f.ctx, admin, id, rid(1))
	require.NoError(t, err)
	assert.True(t, sl.IsClaimable)
	assert.Equal(t, []escrow.EventType{escrow.EventClaimableSet}, f.eventTypes())

	_, err = f.svc.RemoveRecipient(f.ctx, admin, id, rid(1))
	require.ErrorIs(t, err, escrow.ErrAlreadyClaimable)

	_, err = f.svc.Claim(f.ctx, admin, id, rid(1))
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(2), rid(2))
	require.NoError(t, err)
	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(3), rid(3))
	require.ErrorIs(t, err, escrow.ErrCapacityExceeded)

	d, err := f.svc.RemoveRecipient(f.ctx, admin, id, rid(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.RecipientCount)
	_, err = f.svc.ViewRecipient(f.ctx, id, rid(2))
	require.ErrorIs(t, err, escrow.ErrNotFound)

	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(3), rid(3))
	require.NoError(t, err)
	slots, err := f.svc.ListRecipients(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, recipient(1), slots[0].Recipient)
	assert.Equal(t, recipient(3), slots[1].Recipient)
}

func TestCreateDepositRejections(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 10000)

	cases := []struct {
		name     string
		id       escrow.TaskID
		amount   *big.Int
		capacity uint64
		want     error
	}{
		{"zero id", escrow.TaskID{}, amt(100), 1, escrow.ErrInvalidParams},
		{"zero amount", taskID(1), amt(0), 1, escrow.ErrInvalidParams},
		{"zero capacity", taskID(1), amt(100), 0, escrow.ErrInvalidParams},
		{"amount below capacity", taskID(1), amt(3), 4, escrow.ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateDeposit(f.ctx, depositor, tc.id, tc.amount, tc.capacity)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.svc.CreateDeposit(f.ctx, depositor, taskID(1), amt(1000), 1)
	require.NoError(t, err)
	_, err = f.svc.CreateDeposit(f.ctx, depositor, taskID(1), amt(1000), 1)
	require.ErrorIs(t, err, escrow.ErrDuplicateTask)
	assert.Equal(t, "9000", f.balance(depositor))

	_, err = f.svc.CreateOpenEndedDeposit(f.ctx, depositor, taskID(2), amt(50), amt(100))
	require.ErrorIs(t, err, escrow.ErrInvalidParams)

	_, err = f.svc.CreateDeposit(f.ctx, common.Address{}, taskID(3), amt(100), 1)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)
	f.assertConserved()
}

func TestLedgerFailuresLeaveNoTrace(t *testing.T) {
	t.Run("insufficient allowance", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.token.Mint(f.ctx, owner, depositor, amt(5000)))
		require.NoError(t, f.token.Approve(f.ctx, depositor, custody, amt(1000)))

		_, err := f.svc.CreateDeposit(f.ctx, depositor, taskID(1), amt(4000), 4)
		require.ErrorIs(t, err, escrow.ErrInsufficientAllowance)
		assert.Equal(t, "5000", f.balance(depositor))
		_, err = f.svc.ViewDeposit(f.ctx, taskID(1))
		require.ErrorIs(t, err, escrow.ErrNotFound)
		assert.Empty(t, f.eventTypes())
	})

	t.Run("paused token blocks claims", func(t *testing.T) {
		f := newFixture(t)
		f.fund(depositor, 1000)
		id := taskID(1)
		_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(1000), 1)
		require.NoError(t, err)
		f.accept(id, 1)

		require.NoError(t, f.token.Pause(f.ctx, owner))
		_, err = f.svc.Claim(f.ctx, recipient(1), id, rid(1))
		require.ErrorIs(t, err, credit.ErrPaused)
		sl, err := f.svc.ViewRecipient(f.ctx, id, rid(1))
		require.NoError(t, err)
		assert.False(t, sl.IsClaimed)

		require.NoError(t, f.token.Unpause(f.ctx, owner))
		f.claim(id, 1)
		assert.Equal(t, "1000", f.balance(recipient(1)))
		f.assertConserved()
	})
}

func TestDeleteDeposit(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 1000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(1000), 1)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteDeposit(f.ctx, depositor, id), escrow.ErrUnauthorized)
	err = f.svc.DeleteDeposit(f.ctx, admin, id)
	require.ErrorIs(t, err, escrow.ErrNonZeroBalance)
	assert.Equal(t, "There's still an amount left in the deposit", escrow.Reason(err))
	require.ErrorIs(t, f.svc.DeleteDeposit(f.ctx, admin, taskID(9)), escrow.ErrNotFound)
}

func TestRoles(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 1000)
	id := taskID(1)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, id, amt(1000), 1)
	require.NoError(t, err)
	_, err = f.svc.AddRecipient(f.ctx, depositor, id, recipient(1), rid(1))
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.GrantAdmin(f.ctx, admin, stranger), escrow.ErrUnauthorized)
	require.NoError(t, f.svc.GrantAdmin(f.ctx, owner, stranger))
	assert.True(t, f.policy.IsAdmin(stranger))
	_, err = f.svc.SetClaimable(f.ctx, stranger, id, rid(1))
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeAdmin(f.ctx, owner, stranger))
	assert.False(t, f.policy.IsAdmin(stranger))
	require.ErrorIs(t, f.svc.RevokeAdmin(f.ctx, owner, stranger), escrow.ErrNotFound)

	require.ErrorIs(t, f.svc.TransferOwnership(f.ctx, owner, common.Address{}), escrow.ErrInvalidParams)
	require.NoError(t, f.svc.TransferOwnership(f.ctx, owner, stranger))
	assert.Equal(t, stranger, f.policy.Owner())
	assert.False(t, f.policy.IsAdmin(owner))
	assert.True(t, f.policy.IsAdmin(admin))

	stored, err := f.store.LoadRoles(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, stranger, stored.Owner)
	assert.Equal(t, []common.Address{admin}, stored.Admins)
}

func TestNewPolicyRequiresOwner(t *testing.T) {
	_, err := escrow.NewPolicy(context.Background(), escrowstore.NewMemoryStore(), escrow.Roles{})
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
}

func TestListDeposits(t *testing.T) {
	f := newFixture(t)
	f.fund(depositor, 3000)
	_, err := f.svc.CreateDeposit(f.ctx, depositor, taskID(1), amt(1000), 1)
	require.NoError(t, err)
	_, err = f.svc.CreateOpenEndedDeposit(f.ctx, depositor, taskID(2), amt(2000), amt(100))
	require.NoError(t, err)

	yes := true
	missions, err := f.svc.ListDeposits(f.ctx, escrow.Filter{OpenEnded: &yes})
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, taskID(2), missions[0].TaskID)

	none, err := f.svc.ListDeposits(f.ctx, escrow.Filter{Depositor: &stranger})
	require.NoError(t, err)
	assert.Empty(t, none)
}
