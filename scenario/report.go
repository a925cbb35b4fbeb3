package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// Report is the result of one scenario run.
type Report struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Passed      bool         `json:"passed"`
	Steps       []StepResult `json:"steps"`
	Balances    []Balance    `json:"balances"`
}

// StepResult records one executed step.
type StepResult struct {
	Index     int      `json:"index"`
	Op        string   `json:"op"`
	As        string   `json:"as"`
	Task      string   `json:"task,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Outcome   string   `json:"outcome"`
	Reason    string   `json:"reason,omitempty"`
	State     *State   `json:"state,omitempty"`
	Failures  []string `json:"failures,omitempty"`
}

// State is the deposit after a step.
type State struct {
	Amount     string `json:"amount"`
	Claimable  string `json:"claimable"`
	Refundable string `json:"refundable"`
	Recipients uint64 `json:"recipients"`
	Claimed    uint64 `json:"claimed"`
}

func newState(d escrow.Deposit) *State {
	return &State{
		Amount:     d.Amount.String(),
		Claimable:  d.ClaimableAmount.String(),
		Refundable: d.RefundableAmount.String(),
		Recipients: d.RecipientCount,
		Claimed:    d.ClaimedCount,
	}
}

// Balance is one wallet's closing ledger balance.
type Balance struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Failed counts steps with at least one failure.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if len(s.Failures) > 0 {
			n++
		}
	}
	return n
}

// WriteText renders the report one step per line. The layout is stable
// across runs.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", r.Name)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %02d %s as=%s", s.Index, s.Op, s.As)
		if s.Task != "" {
			fmt.Fprintf(&b, " task=%s", s.Task)
		}
		if s.Recipient != "" {
			fmt.Fprintf(&b, " recipient=%s", s.Recipient)
		}
		fmt.Fprintf(&b, " -> %s", s.Outcome)
		if st := s.State; st != nil {
			fmt.Fprintf(&b, " | amount=%s claimable=%s refundable=%s recipients=%d claimed=%d",
				st.Amount, st.Claimable, st.Refundable, st.Recipients, st.Claimed)
		}
		b.WriteString("\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "     FAIL %s\n", f)
		}
	}
	b.WriteString("balances\n")
	for _, bal := range r.Balances {
		fmt.Fprintf(&b, "  %s %s\n", bal.Alias, bal.Amount)
	}
	if r.Passed {
		b.WriteString("result PASS\n")
	} else {
		fmt.Fprintf(&b, "result FAIL (%d of %d steps)\n", r.Failed(), len(r.Steps))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
