package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/logging"
	escrowstore "github.com/humandao-org/EnergyContracts/storage/escrow"
)

// EscrowAlias names the custody account in balance listings.
const EscrowAlias = "escrow"

// Outcomes other than escrow error kinds.
const (
	OutcomeOK           = "ok"
	OutcomeLedgerPaused = "ledger_paused"
	OutcomeNotOwner     = "not_owner"
	OutcomeError        = "error"
)

var (
	custody = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	epoch   = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Address returns the stable address an unpinned alias acts as.
func Address(alias string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("wallet:" + alias))[12:])
}

// Nonce returns the nonce a label derives identifiers with.
func Nonce(label string) escrow.Nonce {
	return escrow.Nonce(crypto.Keccak256Hash([]byte(label)))
}

type runner struct {
	ctx     context.Context
	sc      *Scenario
	token   *credit.Token
	account *credit.EscrowAccount
	svc     *escrow.Escrow

	wallets map[string]common.Address
	tasks   map[string]escrow.TaskID
}

// Run replays sc on a fresh ledger. Step failures are recorded in the
// report; the error is reserved for scenarios that cannot start.
func Run(ctx context.Context, sc *Scenario, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &runner{
		ctx:     ctx,
		sc:      sc,
		wallets: make(map[string]common.Address),
		tasks:   make(map[string]escrow.TaskID),
	}
	for alias, raw := range sc.Wallets {
		a, err := escrow.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("wallets.%s: %w", alias, err)
		}
		r.wallets[alias] = a
	}

	ownerAlias := sc.Owner
	if ownerAlias == "" {
		ownerAlias = "owner"
	}
	owner := r.wallet(ownerAlias)
	roles := escrow.Roles{Owner: owner}
	for _, a := range sc.Admins {
		roles.Admins = append(roles.Admins, r.wallet(a))
	}

	store := escrowstore.NewMemoryStore()
	policy, err := escrow.NewPolicy(ctx, store, roles)
	if err != nil {
		return nil, err
	}
	r.token = credit.NewToken("Energy", "ENRG", owner)
	r.account = credit.NewEscrowAccount(r.token, custody)
	r.svc = escrow.New(store, r.account, policy,
		escrow.WithLogger(logging.Component(logger, "scenario")),
		escrow.WithClock(func() time.Time { return epoch }),
	)

	aliases := make([]string, 0, len(sc.Mints))
	for alias := range sc.Mints {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		v := escrow.MustAmount(sc.Mints[alias])
		to := r.wallet(alias)
		if err := r.token.Mint(ctx, owner, to, v); err != nil {
			return nil, fmt.Errorf("mint %s: %w", alias, err)
		}
		if err := r.token.Approve(ctx, to, custody, v); err != nil {
			return nil, fmt.Errorf("approve %s: %w", alias, err)
		}
	}

	rep := &Report{Name: sc.Name, Description: sc.Description, Passed: true}
	for _, step := range sc.Steps {
		for _, st := range step.expand() {
			res := r.step(len(rep.Steps)+1, st)
			if len(res.Failures) > 0 {
				rep.Passed = false
			}
			rep.Steps = append(rep.Steps, res)
		}
	}
	rep.Balances = r.balances()
	logger.Debug("scenario finished", "name", sc.Name, "steps", len(rep.Steps), "passed", rep.Passed)
	return rep, nil
}

func (r *runner) wallet(alias string) common.Address {
	if a, ok := r.wallets[alias]; ok {
		return a
	}
	a := Address(alias)
	r.wallets[alias] = a
	return a
}

// task resolves a label. Creating steps bind the label to the id derived
// from the creator; other steps fall back to the same derivation.
func (r *runner) task(st Step) escrow.TaskID {
	if id, ok := r.tasks[st.Task]; ok {
		return id
	}
	id := escrow.DeriveTaskID(r.wallet(st.As), Nonce(st.Task))
	if st.Op == OpCreateDeposit || st.Op == OpCreateOpenEndedDeposit {
		r.tasks[st.Task] = id
	}
	return id
}

func (r *runner) recipientID(st Step) escrow.RecipientID {
	return escrow.DeriveRecipientID(r.wallet(st.Recipient), Nonce(st.Task+"/"+st.Recipient))
}

func amount(raw string) *big.Int {
	if raw == "" {
		return new(big.Int)
	}
	return escrow.MustAmount(raw)
}

func (r *runner) step(index int, st Step) StepResult {
	res := StepResult{Index: index, Op: st.Op, As: st.As, Task: st.Task, Recipient: st.Recipient}
	err := r.exec(st)
	res.Outcome = Outcome(err)
	if err != nil {
		res.Reason = escrow.Reason(err)
	}

	switch {
	case st.Error != "" && res.Outcome != st.Error:
		res.Failures = append(res.Failures, fmt.Sprintf("want %s, got %s", st.Error, res.Outcome))
	case st.Error == "" && err != nil:
		res.Failures = append(res.Failures, fmt.Sprintf("unexpected %s: %s", res.Outcome, res.Reason))
	}

	if st.Task != "" {
		if d, err := r.svc.ViewDeposit(r.ctx, r.task(st)); err == nil {
			res.State = newState(d)
		}
	}
	res.Failures = append(res.Failures, r.check(st)...)
	return res
}

func (r *runner) exec(st Step) error {
	ctx := r.ctx
	as := r.wallet(st.As)
	var err error
	switch st.Op {
	case OpCreateDeposit:
		_, err = r.svc.CreateDeposit(ctx, as, r.task(st), amount(st.Amount), st.Capacity)
	case OpCreateOpenEndedDeposit:
		_, err = r.svc.CreateOpenEndedDeposit(ctx, as, r.task(st), amount(st.Amount), amount(st.PerClaim))
	case OpAddRecipient:
		_, err = r.svc.AddRecipient(ctx, as, r.task(st), r.wallet(st.Recipient), r.recipientID(st))
	case OpRemoveRecipient:
		_, err = r.svc.RemoveRecipient(ctx, as, r.task(st), r.recipientID(st))
	case OpSetClaimable:
		_, err = r.svc.SetClaimable(ctx, as, r.task(st), r.recipientID(st))
	case OpClaim:
		_, err = r.svc.Claim(ctx, as, r.task(st), r.recipientID(st))
	case OpRefund:
		_, err = r.svc.Refund(ctx, as, r.task(st))
	case OpForceRefund:
		_, err = r.svc.ForceRefund(ctx, as, r.task(st), r.recipientID(st), r.wallet(st.Beneficiary))
	case OpIncreaseAssistantCount:
		_, err = r.svc.IncreaseAssistantCount(ctx, as, r.task(st), st.Capacity, amount(st.Amount))
	case OpIncreaseEnergyAmount:
		_, err = r.svc.IncreaseEnergyAmount(ctx, as, r.task(st), amount(st.Amount))
	case OpIncreasePerClaim:
		_, err = r.svc.IncreaseEnergyAmountForOpenEnded(ctx, as, r.task(st), amount(st.PerClaim))
	case OpDepositForOpenEnded:
		_, err = r.svc.DepositForOpenEnded(ctx, as, r.task(st), amount(st.Amount))
	case OpDeleteDeposit:
		err = r.svc.DeleteDeposit(ctx, as, r.task(st))
	case OpViewDeposit:
		_, err = r.svc.ViewDeposit(ctx, r.task(st))
	case OpSetAllowRefund:
		_, err = r.svc.SetAllowRefund(ctx, as, r.task(st), *st.Allow)
	case OpGrantAdmin:
		err = r.svc.GrantAdmin(ctx, as, r.wallet(st.Who))
	case OpRevokeAdmin:
		err = r.svc.RevokeAdmin(ctx, as, r.wallet(st.Who))
	case OpTransferOwnership:
		err = r.svc.TransferOwnership(ctx, as, r.wallet(st.Who))
	case OpApprove:
		err = r.token.Approve(ctx, as, custody, amount(st.Amount))
	case OpMint:
		err = r.token.Mint(ctx, as, r.wallet(st.Who), amount(st.Amount))
	case OpPause:
		err = r.token.Pause(ctx, as)
	case OpUnpause:
		err = r.token.Unpause(ctx, as)
	default:
		err = fmt.Errorf("%w: unknown op %q", escrow.ErrInvalidParams, st.Op)
	}
	return err
}

// Outcome classifies err as "ok", an escrow error kind or a ledger failure.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case escrow.Kind(err) != "":
		return escrow.Kind(err)
	case errors.Is(err, credit.ErrPaused):
		return OutcomeLedgerPaused
	case errors.Is(err, credit.ErrNotOwner):
		return OutcomeNotOwner
	}
	return OutcomeError
}

func (r *runner) check(st Step) []string {
	keys := make([]string, 0, len(st.Expect))
	for k := range st.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		want := st.Expect[k]
		got := r.field(st, k)
		if got != want {
			out = append(out, fmt.Sprintf("%s: want %s, got %s", k, want, got))
		}
	}
	return out
}

const absent = "absent"

// field reads one observable value after a step.
func (r *runner) field(st Step, key string) string {
	if alias, ok := strings.CutPrefix(key, "balance."); ok {
		if alias == EscrowAlias {
			return r.token.BalanceOf(custody).String()
		}
		return r.token.BalanceOf(r.wallet(alias)).String()
	}
	if alias, ok := strings.CutPrefix(key, "admin."); ok {
		return strconv.FormatBool(r.svc.Policy().IsAdmin(r.wallet(alias)))
	}
	switch key {
	case "paid", "slot_claimable", "slot_claimed":
		sl, err := r.svc.ViewRecipient(r.ctx, r.task(st), r.recipientID(st))
		if err != nil {
			return absent
		}
		switch key {
		case "paid":
			return sl.Paid.String()
		case "slot_claimable":
			return strconv.FormatBool(sl.IsClaimable)
		}
		return strconv.FormatBool(sl.IsClaimed)
	}

	d, err := r.svc.ViewDeposit(r.ctx, r.task(st))
	if key == "exists" {
		return strconv.FormatBool(err == nil)
	}
	if err != nil {
		return absent
	}
	switch key {
	case "amount":
		return d.Amount.String()
	case "claimable":
		return d.ClaimableAmount.String()
	case "refundable":
		return d.RefundableAmount.String()
	case "per_claim":
		return d.PerClaimAmount.String()
	case "assistant_count":
		return strconv.FormatUint(d.AssistantCount, 10)
	case "recipient_count":
		return strconv.FormatUint(d.RecipientCount, 10)
	case "claimed_count":
		return strconv.FormatUint(d.ClaimedCount, 10)
	case "allow_refund":
		return strconv.FormatBool(d.AllowRefund)
	case "accepted":
		return strconv.FormatBool(d.Accepted)
	case "total_paid":
		return d.TotalPaid.String()
	case "total_refunded":
		return d.TotalRefunded.String()
	case "claims_remaining":
		return escrow.RemainingClaims(d).Claims.String()
	case "acceptances_remaining":
		return escrow.RemainingClaims(d).Acceptances.String()
	}
	return "unknown field"
}

func (r *runner) balances() []Balance {
	aliases := make([]string, 0, len(r.wallets))
	for alias := range r.wallets {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	out := make([]Balance, 0, len(aliases)+1)
	for _, alias := range aliases {
		a := r.wallets[alias]
		out = append(out, Balance{Alias: alias, Address: a.Hex(), Amount: r.token.BalanceOf(a).String()})
	}
	return append(out, Balance{Alias: EscrowAlias, Address: custody.Hex(), Amount: r.token.BalanceOf(custody).String()})
}
