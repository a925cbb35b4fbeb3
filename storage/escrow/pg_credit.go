package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/humandao-org/EnergyContracts/core/credit"
)

func (s *PGStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.withTx(ctx, func(ctx context.Context, _ pgx.Tx) error {
		return fn(ctx)
	})
}

func (s *PGStore) LoadToken(ctx context.Context, symbol string) (credit.State, error) {
	var st credit.State
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var owner, supply string
		err := tx.QueryRow(ctx, `SELECT owner, paused, supply FROM credit_tokens WHERE symbol = $1`, symbol).
			Scan(&owner, &st.Paused, &supply)
		if errors.Is(err, pgx.ErrNoRows) {
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

		st.Balances = make(map[common.Address]*big.Int)
		rows, err := tx.Query(ctx, `SELECT account, balance FROM credit_balances WHERE symbol = $1`, symbol)
		if err != nil {
			return fmt.Errorf("load balances: %w", err)
		}
		for rows.Next() {
			var account, balance string
			if err := rows.Scan(&account, &balance); err != nil {
				rows.Close()
				return fmt.Errorf("scan balance: %w", err)
			}
			who, err := decAddr(account)
			if err == nil {
				st.Balances[who], err = decInt(balance)
			}
			if err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("load balances: %w", err)
		}

		st.Allowances = make(map[common.Address]map[common.Address]*big.Int)
		rows, err = tx.Query(ctx, `SELECT owner, spender, amount FROM credit_allowances WHERE symbol = $1`, symbol)
		if err != nil {
			return fmt.Errorf("load allowances: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var owner, spender, amount string
			if err := rows.Scan(&owner, &spender, &amount); err != nil {
				return fmt.Errorf("scan allowance: %w", err)
			}
			a, err := decAllowance(owner, spender, amount)
			if err != nil {
				return err
			}
			if st.Allowances[a.Owner] == nil {
				st.Allowances[a.Owner] = make(map[common.Address]*big.Int)
			}
			st.Allowances[a.Owner][a.Spender] = a.Amount
		}
		return rows.Err()
	})
	return st, err
}

func (s *PGStore) SaveToken(ctx context.Context, symbol string, c credit.Change) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`
INSERT INTO credit_tokens (symbol, owner, paused, supply) VALUES ($1, $2, $3, $4)
ON CONFLICT (symbol) DO UPDATE SET owner = EXCLUDED.owner, paused = EXCLUDED.paused, supply = EXCLUDED.supply`,
			symbol, c.Owner.Hex(), c.Paused, encInt(c.Supply))
		for who, v := range c.Balances {
			batch.Queue(`
INSERT INTO credit_balances (symbol, account, balance) VALUES ($1, $2, $3)
ON CONFLICT (symbol, account) DO UPDATE SET balance = EXCLUDED.balance`, symbol, who.Hex(), encInt(v))
		}
		for _, a := range c.Allowances {
			batch.Queue(`
INSERT INTO credit_allowances (symbol, owner, spender, amount) VALUES ($1, $2, $3, $4)
ON CONFLICT (symbol, owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
				symbol, a.Owner.Hex(), a.Spender.Hex(), encInt(a.Amount))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		return nil
	})
}
