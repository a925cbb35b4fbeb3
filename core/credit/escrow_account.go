package credit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// EscrowAccount is the escrow's custody account on a Token. It pulls
// deposits through allowances granted to its address and pays out from
// its own balance.
type EscrowAccount struct {
	token   *Token
	account common.Address
}

// NewEscrowAccount binds the custody account to token.
func NewEscrowAccount(token *Token, account common.Address) *EscrowAccount {
	return &EscrowAccount{token: token, account: account}
}

// Address is the custody account participants approve as spender.
func (a *EscrowAccount) Address() common.Address { return a.account }

// Token returns the underlying token.
func (a *EscrowAccount) Token() *Token { return a.token }

func (a *EscrowAccount) TransferIn(ctx context.Context, from common.Address, amount *big.Int) error {
	return mapErr(a.token.TransferFrom(ctx, a.account, from, a.account, amount))
}

func (a *EscrowAccount) TransferOut(ctx context.Context, to common.Address, amount *big.Int) error {
	return mapErr(a.token.Transfer(ctx, a.account, to, amount))
}

func (a *EscrowAccount) BalanceOf(_ context.Context, who common.Address) (*big.Int, error) {
	return a.token.BalanceOf(who), nil
}

// ReverseIn returns a pulled deposit without consuming allowance again.
func (a *EscrowAccount) ReverseIn(ctx context.Context, from common.Address, amount *big.Int) error {
	return a.token.reverse(ctx, a.account, from, amount)
}

// ReverseOut claws back a payout into custody.
func (a *EscrowAccount) ReverseOut(ctx context.Context, to common.Address, amount *big.Int) error {
	return a.token.reverse(ctx, to, a.account, amount)
}

// mapErr translates token failures into the escrow error taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientAllowance):
		return fmt.Errorf("%w: %w", escrow.ErrInsufficientAllowance, err)
	case errors.Is(err, ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", escrow.ErrInsufficientBalance, err)
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrZeroAddress):
		return fmt.Errorf("%w: %w", escrow.ErrInvalidParams, err)
	}
	return err
}

var (
	_ escrow.Ledger   = (*EscrowAccount)(nil)
	_ escrow.Reverser = (*EscrowAccount)(nil)
)
