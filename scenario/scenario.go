// Package scenario replays YAML-described escrow flows against an
// in-process credit ledger and memory store, checking each step's outcome
// and the resulting deposit state.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// Scenario is one replayable flow.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Owner names the wallet that owns the escrow and the credit ledger.
	// Defaults to "owner".
	Owner  string   `yaml:"owner,omitempty"`
	Admins []string `yaml:"admins,omitempty"`

	// Wallets pins aliases to explicit addresses. Unlisted aliases get a
	// stable address derived from the alias.
	Wallets map[string]string `yaml:"wallets,omitempty"`

	// Mints credits each alias and approves the escrow for the same amount.
	Mints map[string]string `yaml:"mints,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step invokes one operation. Steps naming several recipients run once
// per recipient, in order. Claims act as the recipient unless As is set.
type Step struct {
	Op          string   `yaml:"op"`
	As          string   `yaml:"as"`
	Task        string   `yaml:"task,omitempty"`
	Recipient   string   `yaml:"recipient,omitempty"`
	Recipients  []string `yaml:"recipients,omitempty"`
	Beneficiary string   `yaml:"beneficiary,omitempty"`
	Who         string   `yaml:"who,omitempty"`
	Amount      string   `yaml:"amount,omitempty"`
	PerClaim    string   `yaml:"per_claim,omitempty"`
	Capacity    uint64   `yaml:"capacity,omitempty"`
	Allow       *bool    `yaml:"allow,omitempty"`

	// Error is the expected failure kind, e.g. "capacity_exceeded".
	Error string `yaml:"error,omitempty"`
	// Expect holds field checks evaluated after the step. Keys are deposit
	// fields, "paid" for the step's recipient, or "balance.<alias>".
	Expect map[string]string `yaml:"expect,omitempty"`
}

// Operations
const (
	OpCreateDeposit          = "create_deposit"
	OpCreateOpenEndedDeposit = "create_open_ended_deposit"
	OpAddRecipient           = "add_recipient"
	OpRemoveRecipient        = "remove_recipient"
	OpSetClaimable           = "set_claimable"
	OpClaim                  = "claim"
	OpRefund                 = "refund"
	OpForceRefund            = "force_refund"
	OpIncreaseAssistantCount = "increase_assistant_count"
	OpIncreaseEnergyAmount   = "increase_energy_amount"
	OpIncreasePerClaim       = "increase_energy_amount_for_open_ended"
	OpDepositForOpenEnded    = "deposit_for_open_ended"
	OpDeleteDeposit          = "delete_deposit"
	OpViewDeposit            = "view_deposit"
	OpSetAllowRefund         = "set_allow_refund"
	OpGrantAdmin             = "grant_admin"
	OpRevokeAdmin            = "revoke_admin"
	OpTransferOwnership      = "transfer_ownership"
	OpApprove                = "approve"
	OpMint                   = "mint"
	OpPause                  = "pause"
	OpUnpause                = "unpause"
)

type opShape struct {
	task, recipient, who, beneficiary, amount, perClaim, capacity, allow bool
}

var ops = map[string]opShape{
	OpCreateDeposit:          {task: true, amount: true, capacity: true},
	OpCreateOpenEndedDeposit: {task: true, amount: true, perClaim: true},
	OpAddRecipient:           {task: true, recipient: true},
	OpRemoveRecipient:        {task: true, recipient: true},
	OpSetClaimable:           {task: true, recipient: true},
	OpClaim:                  {task: true, recipient: true},
	OpRefund:                 {task: true},
	OpForceRefund:            {task: true, recipient: true, beneficiary: true},
	OpIncreaseAssistantCount: {task: true, capacity: true},
	OpIncreaseEnergyAmount:   {task: true, amount: true},
	OpIncreasePerClaim:       {task: true, perClaim: true},
	OpDepositForOpenEnded:    {task: true, amount: true},
	OpDeleteDeposit:          {task: true},
	OpViewDeposit:            {task: true},
	OpSetAllowRefund:         {task: true, allow: true},
	OpGrantAdmin:             {who: true},
	OpRevokeAdmin:            {who: true},
	OpTransferOwnership:      {who: true},
	OpApprove:                {amount: true},
	OpMint:                   {who: true, amount: true},
	OpPause:                  {},
	OpUnpause:                {},
}

// Load reads and validates a scenario file. Unknown fields are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate reports every problem found, joined.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("steps must be non-empty"))
	}
	for alias, raw := range s.Wallets {
		if _, err := escrow.ParseAddress(raw); err != nil {
			errs = append(errs, fmt.Errorf("wallets.%s: %w", alias, err))
		}
	}
	for alias, raw := range s.Mints {
		if _, err := escrow.ParseAmount(raw); err != nil {
			errs = append(errs, fmt.Errorf("mints.%s: %w", alias, err))
		}
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (st Step) validate() error {
	shape, ok := ops[st.Op]
	if !ok {
		return fmt.Errorf("unknown op %q", st.Op)
	}
	var errs []error
	need := func(cond bool, field string) {
		if cond {
			errs = append(errs, fmt.Errorf("%s: %s is required", st.Op, field))
		}
	}
	need(st.As == "" && st.Op != OpClaim, "as")
	need(shape.task && st.Task == "", "task")
	need(shape.recipient && st.Recipient == "" && len(st.Recipients) == 0, "recipient")
	need(shape.who && st.Who == "", "who")
	need(shape.beneficiary && st.Beneficiary == "", "beneficiary")
	need(shape.amount && st.Amount == "", "amount")
	need(shape.perClaim && st.PerClaim == "", "per_claim")
	need(shape.capacity && st.Capacity == 0, "capacity")
	need(shape.allow && st.Allow == nil, "allow")
	for field, raw := range map[string]string{"amount": st.Amount, "per_claim": st.PerClaim} {
		if raw == "" {
			continue
		}
		if _, err := escrow.ParseAmount(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if st.Recipient != "" && len(st.Recipients) > 0 {
		errs = append(errs, errors.New("recipient and recipients are exclusive"))
	}
	return errors.Join(errs...)
}

// expand returns one step per named recipient.
func (st Step) expand() []Step {
	names := st.Recipients
	if len(names) == 0 {
		names = []string{st.Recipient}
	}
	out := make([]Step, len(names))
	for i, r := range names {
		s := st
		s.Recipient = r
		s.Recipients = nil
		if s.As == "" && s.Op == OpClaim {
			s.As = r
		}
		out[i] = s
	}
	return out
}
