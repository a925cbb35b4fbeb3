package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/core/credit"
)

// Atomic runs fn in the store's transaction. Escrow units of work and the
// token writes they trigger share it.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.withTx(ctx, func(ctx context.Context, _ *sql.Tx) error {
		return fn(ctx)
	})
}

func (s *SQLiteStore) LoadToken(ctx context.Context, symbol string) (credit.State, error) {
	var st credit.State
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var owner, supply string
		err := tx.QueryRowContext(ctx, `SELECT owner, paused, supply FROM credit_tokens WHERE symbol = ?`, symbol).
			Scan(&owner, &st.Paused, &supply)
		if errors.Is(err, sql.ErrNoRows) {
			return credit.ErrNoState
		}
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		if st.Owner, err = decAddr(owner); err != nil {
			return err
		}
		if st.Supply, err = decInt(supply); err != nil {
			return err
		}
		if st.Balances, err = sqliteBalances(ctx, tx, symbol); err != nil {
			return err
		}
		st.Allowances, err = sqliteAllowances(ctx, tx, symbol)
		return err
	})
	return st, err
}

func sqliteBalances(ctx context.Context, tx *sql.Tx, symbol string) (map[common.Address]*big.Int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT account, balance FROM credit_balances WHERE symbol = ?`, symbol)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()
	out := make(map[common.Address]*big.Int)
	for rows.Next() {
		var account, balance string
		if err := rows.Scan(&account, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		who, err := decAddr(account)
		if err != nil {
			return nil, err
		}
		if out[who], err = decInt(balance); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

func sqliteAllowances(ctx context.Context, tx *sql.Tx, symbol string) (map[common.Address]map[common.Address]*big.Int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT owner, spender, amount FROM credit_allowances WHERE symbol = ?`, symbol)
	if err != nil {
		return nil, fmt.Errorf("load allowances: %w", err)
	}
	defer rows.Close()
	out := make(map[common.Address]map[common.Address]*big.Int)
	for rows.Next() {
		var owner, spender, amount string
		if err := rows.Scan(&owner, &spender, &amount); err != nil {
			return nil, fmt.Errorf("scan allowance: %w", err)
		}
		a, err := decAllowance(owner, spender, amount)
		if err != nil {
			return nil, err
		}
		if out[a.Owner] == nil {
			out[a.Owner] = make(map[common.Address]*big.Int)
		}
		out[a.Owner][a.Spender] = a.Amount
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveToken(ctx context.Context, symbol string, c credit.Change) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_tokens (symbol, owner, paused, supply) VALUES (?, ?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET owner = excluded.owner, paused = excluded.paused, supply = excluded.supply`,
			symbol, c.Owner.Hex(), c.Paused, encInt(c.Supply)); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		for who, v := range c.Balances {
			if _, err := tx.ExecContext(ctx, `INSERT INTO credit_balances (symbol, account, balance) VALUES (?, ?, ?)
				ON CONFLICT(symbol, account) DO UPDATE SET balance = excluded.balance`,
				symbol, who.Hex(), encInt(v)); err != nil {
				return fmt.Errorf("save balance: %w", err)
			}
		}
		for _, a := range c.Allowances {
			if _, err := tx.ExecContext(ctx, `INSERT INTO credit_allowances (symbol, owner, spender, amount) VALUES (?, ?, ?, ?)
				ON CONFLICT(symbol, owner, spender) DO UPDATE SET amount = excluded.amount`,
				symbol, a.Owner.Hex(), a.Spender.Hex(), encInt(a.Amount)); err != nil {
				return fmt.Errorf("save allowance: %w", err)
			}
		}
		return nil
	})
}
