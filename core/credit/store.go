package credit

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoState is returned by Store.LoadToken before the first save.
const ErrNoState = Err("no stored token state")

// State is a full token snapshot.
type State struct {
	Owner      common.Address
	Paused     bool
	Supply     *big.Int
	Balances   map[common.Address]*big.Int
	Allowances map[common.Address]map[common.Address]*big.Int
}

// Allowance is one owner/spender pair.
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

// Change is what one mutation leaves behind: the token header and the new
// values of every account and allowance it touched.
type Change struct {
	Owner      common.Address
	Paused     bool
	Supply     *big.Int
	Balances   map[common.Address]*big.Int
	Allowances []Allowance
}

// Store persists a Token.
type Store interface {
	LoadToken(ctx context.Context, symbol string) (State, error)
	SaveToken(ctx context.Context, symbol string, c Change) error
	// Atomic runs fn in a transaction. When ctx already carries one of
	// the store's transactions fn joins it and nothing commits until the
	// outer unit of work does.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

type allowanceKey struct{ owner, spender common.Address }

// mutation records the prior value of everything one call touches.
type mutation struct {
	t          *Token
	owner      common.Address
	paused     bool
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

// begin must be called with t.mu held.
func (t *Token) begin() *mutation {
	return &mutation{
		t:          t,
		owner:      t.owner,
		paused:     t.paused,
		supply:     new(big.Int).Set(t.supply),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (m *mutation) setBalance(who common.Address, v *big.Int) {
	if _, seen := m.balances[who]; !seen {
		m.balances[who] = m.t.balances[who]
	}
	m.t.balances[who] = v
}

func (m *mutation) setAllowance(owner, spender common.Address, v *big.Int) {
	k := allowanceKey{owner, spender}
	if _, seen := m.allowances[k]; !seen {
		m.allowances[k] = m.t.allowances[owner][spender]
	}
	m.t.setAllowance(owner, spender, v)
}

// undo restores the recorded values. Callers hold t.mu.
func (m *mutation) undo() {
	t := m.t
	t.owner, t.paused, t.supply = m.owner, m.paused, m.supply
	for who, prev := range m.balances {
		if prev == nil {
			delete(t.balances, who)
			continue
		}
		t.balances[who] = prev
	}
	for k, prev := range m.allowances {
		if prev == nil {
			delete(t.allowances[k.owner], k.spender)
			continue
		}
		t.allowances[k.owner][k.spender] = prev
	}
}

func (m *mutation) change() Change {
	t := m.t
	c := Change{
		Owner:    t.owner,
		Paused:   t.paused,
		Supply:   new(big.Int).Set(t.supply),
		Balances: make(map[common.Address]*big.Int, len(m.balances)),
	}
	for who := range m.balances {
		c.Balances[who] = t.balance(who)
	}
	for k := range m.allowances {
		c.Allowances = append(c.Allowances, Allowance{Owner: k.owner, Spender: k.spender, Amount: t.allowance(k.owner, k.spender)})
	}
	return c
}
