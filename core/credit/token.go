// Package credit is the fungible "Energy" credit ledger: an owner-gated
// mint/burn token with pausing, allowances and delegated transfers.
package credit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrNotOwner              = Err("Ownable: caller is not the owner")
	ErrPaused                = Err("Pausable: paused")
	ErrNotPaused             = Err("Pausable: not paused")
	ErrZeroAddress           = Err("zero address")
	ErrInvalidAmount         = Err("invalid amount")
	ErrInsufficientBalance   = Err("transfer amount exceeds balance")
	ErrInsufficientAllowance = Err("insufficient allowance")
)

// Token is an account ledger held in memory and, when opened over a Store,
// written through to it on every mutation. All methods are safe for
// concurrent use.
type Token struct {
	mu         sync.RWMutex
	name       string
	symbol     string
	address    common.Address
	owner      common.Address
	paused     bool
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int

	store    Store
	restored bool
}

// NewToken creates an in-memory token owned by owner. The token's own
// account address is derived from its symbol.
func NewToken(name, symbol string, owner common.Address) *Token {
	return &Token{
		name:       name,
		symbol:     symbol,
		address:    common.BytesToAddress(crypto.Keccak256([]byte("credit-token:" + symbol))[12:]),
		owner:      owner,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// OpenToken loads the token named by symbol from s. When s holds no state
// yet the token starts empty and owned by owner; the stored owner wins
// otherwise.
func OpenToken(ctx context.Context, name, symbol string, owner common.Address, s Store) (*Token, error) {
	t := NewToken(name, symbol, owner)
	t.store = s
	st, err := s.LoadToken(ctx, symbol)
	if errors.Is(err, ErrNoState) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", symbol, err)
	}
	t.owner = st.Owner
	t.paused = st.Paused
	if st.Supply != nil {
		t.supply = new(big.Int).Set(st.Supply)
	}
	for who, v := range st.Balances {
		t.balances[who] = new(big.Int).Set(v)
	}
	for holder, m := range st.Allowances {
		for spender, v := range m {
			t.setAllowance(holder, spender, new(big.Int).Set(v))
		}
	}
	t.restored = true
	return t, nil
}

// Restored reports whether state was loaded from a Store.
func (t *Token) Restored() bool { return t.restored }

func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Address() common.Address { return t.address }

func (t *Token) Owner() common.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owner
}

func (t *Token) Paused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paused
}

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.supply)
}

func (t *Token) BalanceOf(who common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balance(who)
}

func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowance(owner, spender)
}

func (t *Token) balance(who common.Address) *big.Int {
	if v, ok := t.balances[who]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if v, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (t *Token) setAllowance(owner, spender common.Address, v *big.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = v
}

func validAmount(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t *Token) onlyOwner(caller common.Address) error {
	if caller != t.owner {
		return ErrNotOwner
	}
	return nil
}

// apply runs fn under the write lock. With a store, fn runs inside
// Store.Atomic and its effect is saved in the same transaction; any
// failure, including a failed commit, restores the in-memory state.
func (t *Token) apply(ctx context.Context, fn func(m *mutation) error) error {
	if t.store == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		m := t.begin()
		if err := fn(m); err != nil {
			m.undo()
			return err
		}
		return nil
	}
	var pending *mutation
	err := t.store.Atomic(ctx, func(ctx context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		m := t.begin()
		if err := fn(m); err != nil {
			m.undo()
			return err
		}
		if err := t.store.SaveToken(ctx, t.symbol, m.change()); err != nil {
			m.undo()
			return fmt.Errorf("save token: %w", err)
		}
		pending = m
		return nil
	})
	if err != nil && pending != nil {
		t.mu.Lock()
		pending.undo()
		t.mu.Unlock()
	}
	return err
}

// Mint creates amount credits for to.
func (t *Token) Mint(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		if to == (common.Address{}) {
			return fmt.Errorf("mint: %w", ErrZeroAddress)
		}
		if err := validAmount(amount); err != nil {
			return fmt.Errorf("mint: %w", err)
		}
		if t.paused {
			return ErrPaused
		}
		m.setBalance(to, new(big.Int).Add(t.balance(to), amount))
		t.supply.Add(t.supply, amount)
		return nil
	})
}

// Burn destroys amount credits held by from.
func (t *Token) Burn(ctx context.Context, caller, from common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		if err := validAmount(amount); err != nil {
			return fmt.Errorf("burn: %w", err)
		}
		if t.paused {
			return ErrPaused
		}
		bal := t.balance(from)
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("burn: %w", ErrInsufficientBalance)
		}
		m.setBalance(from, bal.Sub(bal, amount))
		t.supply.Sub(t.supply, amount)
		return nil
	})
}

func (t *Token) Pause(ctx context.Context, caller common.Address) error {
	return t.apply(ctx, func(*mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		if t.paused {
			return ErrPaused
		}
		t.paused = true
		return nil
	})
}

func (t *Token) Unpause(ctx context.Context, caller common.Address) error {
	return t.apply(ctx, func(*mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		if !t.paused {
			return ErrNotPaused
		}
		t.paused = false
		return nil
	})
}

// Transfer moves amount from from to to.
func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		return t.transfer(m, from, to, amount)
	})
}

func (t *Token) transfer(m *mutation, from, to common.Address, amount *big.Int) error {
	if t.paused {
		return ErrPaused
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer: %w", ErrZeroAddress)
	}
	if err := validAmount(amount); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return t.move(m, from, to, amount)
}

// move skips pause and allowance checks.
func (t *Token) move(m *mutation, from, to common.Address, amount *big.Int) error {
	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	m.setBalance(from, bal.Sub(bal, amount))
	m.setBalance(to, new(big.Int).Add(t.balance(to), amount))
	return nil
}

// Approve sets spender's allowance over owner's credits.
func (t *Token) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		if spender == (common.Address{}) {
			return fmt.Errorf("approve: %w", ErrZeroAddress)
		}
		if err := validAmount(amount); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		m.setAllowance(owner, spender, new(big.Int).Set(amount))
		return nil
	})
}

// TransferFrom moves amount from from to to on spender's allowance.
func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		if t.paused {
			return ErrPaused
		}
		if err := validAmount(amount); err != nil {
			return fmt.Errorf("transfer from: %w", err)
		}
		allowed := t.allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := t.transfer(m, from, to, amount); err != nil {
			return err
		}
		m.setAllowance(from, spender, allowed.Sub(allowed, amount))
		return nil
	})
}

// TransferOwnership hands every owner capability to next.
func (t *Token) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	return t.apply(ctx, func(*mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		if next == (common.Address{}) {
			return fmt.Errorf("transfer ownership: %w", ErrZeroAddress)
		}
		t.owner = next
		return nil
	})
}

// Withdraw sweeps credits held by the token's own account to the owner.
func (t *Token) Withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	var swept *big.Int
	err := t.apply(ctx, func(m *mutation) error {
		if err := t.onlyOwner(caller); err != nil {
			return err
		}
		swept = t.balance(t.address)
		if swept.Sign() == 0 {
			return nil
		}
		return t.transfer(m, t.address, t.owner, swept)
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// reverse moves amount back without pause or allowance checks.
func (t *Token) reverse(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.apply(ctx, func(m *mutation) error {
		return t.move(m, from, to, amount)
	})
}
