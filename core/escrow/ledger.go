package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger moves credits between participants and the escrow's own account.
type Ledger interface {
	// TransferIn pulls amount from a participant into escrow custody.
	TransferIn(ctx context.Context, from common.Address, amount *big.Int) error
	// TransferOut pays amount out of escrow custody.
	TransferOut(ctx context.Context, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, who common.Address) (*big.Int, error)
}

// Reverser is implemented by ledgers that can undo a settled transfer
// without allowance or pause checks. Without it an outgoing transfer
// cannot be undone.
type Reverser interface {
	ReverseIn(ctx context.Context, from common.Address, amount *big.Int) error
	ReverseOut(ctx context.Context, to common.Address, amount *big.Int) error
}

type transfer struct {
	in      bool
	account common.Address
	amount  *big.Int
}

// journal records the transfers settled during one unit of work so they
// can be undone if the mutation is discarded.
type journal struct {
	ledger Ledger
	done   []transfer
}

func newJournal(l Ledger) *journal {
	return &journal{ledger: l}
}

func (j *journal) in(ctx context.Context, from common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := j.ledger.TransferIn(ctx, from, amount); err != nil {
		return err
	}
	j.done = append(j.done, transfer{in: true, account: from, amount: cloneInt(amount)})
	return nil
}

func (j *journal) out(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := j.ledger.TransferOut(ctx, to, amount); err != nil {
		return err
	}
	j.done = append(j.done, transfer{account: to, amount: cloneInt(amount)})
	return nil
}

// rollback undoes settled transfers newest first.
func (j *journal) rollback(ctx context.Context) error {
	rev, _ := j.ledger.(Reverser)
	var errs []error
	for i := len(j.done) - 1; i >= 0; i-- {
		t := j.done[i]
		var err error
		switch {
		case t.in && rev != nil:
			err = rev.ReverseIn(ctx, t.account, t.amount)
		case t.in:
			err = j.ledger.TransferOut(ctx, t.account, t.amount)
		case rev != nil:
			err = rev.ReverseOut(ctx, t.account, t.amount)
		default:
			err = errors.New("ledger cannot reverse outgoing transfers")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reverse %s %s: %w", t.account.Hex(), t.amount, err))
		}
	}
	j.done = nil
	return errors.Join(errs...)
}
