package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// PGStore persists deposits and the credit ledger in Postgres. Every
// transaction first takes one transaction-scoped advisory lock, so units of
// work serialize across the pool and across processes sharing the
// database. A unit of work moves credits between accounts that other tasks
// also touch, which rules out per-row locking alone.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS escrow_deposits (
  seq BIGSERIAL,
  task_id TEXT PRIMARY KEY,
  depositor TEXT NOT NULL,
  amount TEXT NOT NULL CHECK (amount ~ '^[0-9]+$'),
  claimable_amount TEXT NOT NULL CHECK (claimable_amount ~ '^[0-9]+$'),
  refundable_amount TEXT NOT NULL CHECK (refundable_amount ~ '^[0-9]+$'),
  per_claim_amount TEXT NOT NULL CHECK (per_claim_amount ~ '^[0-9]+$'),
  assistant_count BIGINT NOT NULL,
  recipient_count BIGINT NOT NULL,
  claimed_count BIGINT NOT NULL,
  allow_refund BOOLEAN NOT NULL,
  is_open_ended BOOLEAN NOT NULL,
  accepted BOOLEAN NOT NULL,
  total_deposited TEXT NOT NULL,
  total_paid TEXT NOT NULL,
  total_refunded TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_deposits_depositor ON escrow_deposits(depositor);
CREATE TABLE IF NOT EXISTS escrow_recipients (
  task_id TEXT NOT NULL REFERENCES escrow_deposits(task_id) ON DELETE CASCADE,
  recipient_id TEXT NOT NULL,
  recipient_address TEXT NOT NULL,
  is_claimable BOOLEAN NOT NULL,
  is_claimed BOOLEAN NOT NULL,
  paid TEXT NOT NULL,
  position INT NOT NULL,
  added_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (task_id, recipient_id)
);
CREATE TABLE IF NOT EXISTS escrow_roles (
  id INT PRIMARY KEY CHECK (id = 1),
  owner TEXT NOT NULL,
  admins TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_tokens (
  symbol TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  paused BOOLEAN NOT NULL,
  supply TEXT NOT NULL CHECK (supply ~ '^[0-9]+$')
);
CREATE TABLE IF NOT EXISTS credit_balances (
  symbol TEXT NOT NULL,
  account TEXT NOT NULL,
  balance TEXT NOT NULL CHECK (balance ~ '^[0-9]+$'),
  PRIMARY KEY (symbol, account)
);
CREATE TABLE IF NOT EXISTS credit_allowances (
  symbol TEXT NOT NULL,
  owner TEXT NOT NULL,
  spender TEXT NOT NULL,
  amount TEXT NOT NULL CHECK (amount ~ '^[0-9]+$'),
  PRIMARY KEY (symbol, owner, spender)
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const pgDepositCols = `task_id, depositor, amount, claimable_amount, refundable_amount, per_claim_amount,
  assistant_count, recipient_count, claimed_count, allow_refund, is_open_ended, accepted,
  total_deposited, total_paid, total_refunded, created_at, updated_at`

func scanPGDeposit(row pgx.Row) (escrow.Deposit, error) {
	var (
		r                depositRow
		created, updated time.Time
	)
	err := row.Scan(&r.taskID, &r.depositor, &r.amount, &r.claimable, &r.refundable, &r.perClaim,
		&r.assistants, &r.recipients, &r.claimed, &r.allowRefund, &r.openEnded, &r.accepted,
		&r.totalDeposited, &r.totalPaid, &r.totalRefunded, &created, &updated)
	if err != nil {
		return escrow.Deposit{}, err
	}
	d, err := r.decode()
	if err != nil {
		return d, err
	}
	d.CreatedAt = created.UTC()
	d.UpdatedAt = updated.UTC()
	return d, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) load(ctx context.Context, q pgQuerier, id escrow.TaskID, lock bool) (*escrow.Entry, error) {
	query := `SELECT ` + pgDepositCols + ` FROM escrow_deposits WHERE task_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	d, err := scanPGDeposit(q.QueryRow(ctx, query, id.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load deposit: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT recipient_id, recipient_address, is_claimable, is_claimed, paid, added_at
FROM escrow_recipients WHERE task_id = $1 ORDER BY position`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()
	e := &escrow.Entry{Deposit: d}
	for rows.Next() {
		var (
			r     slotRow
			added time.Time
		)
		if err := rows.Scan(&r.recipientID, &r.recipient, &r.claimable, &r.claimed, &r.paid, &added); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		sl, err := r.decode(id)
		if err != nil {
			return nil, err
		}
		sl.AddedAt = added.UTC()
		e.Slots = append(e.Slots, sl)
	}
	return e, rows.Err()
}

func (s *PGStore) write(ctx context.Context, tx pgx.Tx, before, after *escrow.Entry) error {
	d := after.Deposit
	args := append(depositArgs(d)[1:], d.UpdatedAt, d.TaskID.Hex())
	_, err := tx.Exec(ctx, `
UPDATE escrow_deposits SET depositor=$1, amount=$2, claimable_amount=$3, refundable_amount=$4,
  per_claim_amount=$5, assistant_count=$6, recipient_count=$7, claimed_count=$8, allow_refund=$9,
  is_open_ended=$10, accepted=$11, total_deposited=$12, total_paid=$13, total_refunded=$14, updated_at=$15
WHERE task_id=$16`, args...)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}
	var prev []escrow.RecipientSlot
	if before != nil {
		prev = before.Slots
	}
	diff := diffSlots(prev, after.Slots)
	batch := &pgx.Batch{}
	for _, rid := range diff.removed {
		batch.Queue(`DELETE FROM escrow_recipients WHERE task_id=$1 AND recipient_id=$2`, d.TaskID.Hex(), rid.Hex())
	}
	for _, sl := range diff.changed {
		batch.Queue(`UPDATE escrow_recipients SET is_claimable=$1, is_claimed=$2, paid=$3 WHERE task_id=$4 AND recipient_id=$5`,
			sl.IsClaimable, sl.IsClaimed, encInt(sl.Paid), d.TaskID.Hex(), sl.RecipientID.Hex())
	}
	for _, sl := range diff.added {
		batch.Queue(`
INSERT INTO escrow_recipients (task_id, recipient_id, recipient_address, is_claimable, is_claimed, paid, position, added_at)
SELECT $1::text, $2::text, $3::text, $4::boolean, $5::boolean, $6::text, COALESCE(MAX(position), 0) + 1, $7::timestamptz
FROM escrow_recipients WHERE task_id=$1::text`,
			d.TaskID.Hex(), sl.RecipientID.Hex(), sl.Recipient.Hex(), sl.IsClaimable, sl.IsClaimed, encInt(sl.Paid), sl.AddedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write recipients: %w", err)
	}
	return nil
}

// ledgerLock keys the advisory lock held by every transaction.
const ledgerLock int64 = 0x656e65726779

type pgTxKey struct{ s *PGStore }

// withTx joins the transaction carried by ctx or begins one. The ctx given
// to fn carries the transaction.
func (s *PGStore) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx, ok := ctx.Value(pgTxKey{s}).(pgx.Tx); ok {
		return fn(ctx, tx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLock); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	if err := fn(context.WithValue(ctx, pgTxKey{s}, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, e *escrow.Entry, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cp := e.Clone()
		d := cp.Deposit
		// Reserve the key first so a concurrent create blocks on it.
		args := append(depositArgs(d), d.CreatedAt, d.UpdatedAt)
		_, err := tx.Exec(ctx, `INSERT INTO escrow_deposits (`+pgDepositCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, args...)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return escrow.ErrDuplicateTask
		}
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}
		if err := fn(ctx, cp); err != nil {
			return err
		}
		return s.write(ctx, tx, nil, cp)
	})
}

func (s *PGStore) Update(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cur, err := s.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		cp := cur.Clone()
		if err := fn(ctx, cp); err != nil {
			return err
		}
		return s.write(ctx, tx, cur, cp)
	})
}

func (s *PGStore) Delete(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cur, err := s.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(ctx, cur.Clone()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM escrow_deposits WHERE task_id=$1`, id.Hex()); err != nil {
			return fmt.Errorf("delete deposit: %w", err)
		}
		return nil
	})
}

func (s *PGStore) Get(ctx context.Context, id escrow.TaskID) (*escrow.Entry, error) {
	return s.load(ctx, s.pool, id, false)
}

func (s *PGStore) List(ctx context.Context, f escrow.Filter) ([]escrow.Deposit, error) {
	var (
		where []string
		args  []any
	)
	if f.Depositor != nil {
		args = append(args, f.Depositor.Hex())
		where = append(where, fmt.Sprintf("depositor = $%d", len(args)))
	}
	if f.OpenEnded != nil {
		args = append(args, *f.OpenEnded)
		where = append(where, fmt.Sprintf("is_open_ended = $%d", len(args)))
	}
	q := `SELECT ` + pgDepositCols + ` FROM escrow_deposits`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()
	var out []escrow.Deposit
	for rows.Next() {
		d, err := scanPGDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) LoadRoles(ctx context.Context) (escrow.Roles, error) {
	var owner, admins string
	err := s.pool.QueryRow(ctx, `SELECT owner, admins FROM escrow_roles WHERE id = 1`).Scan(&owner, &admins)
	if errors.Is(err, pgx.ErrNoRows) {
		return escrow.Roles{}, escrow.ErrNotFound
	}
	if err != nil {
		return escrow.Roles{}, fmt.Errorf("load roles: %w", err)
	}
	return decRoles(owner, admins)
}

func (s *PGStore) SaveRoles(ctx context.Context, r escrow.Roles) error {
	admins, err := encAdmins(r.Admins)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO escrow_roles (id, owner, admins) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, admins = EXCLUDED.admins`, r.Owner.Hex(), admins)
	if err != nil {
		return fmt.Errorf("save roles: %w", err)
	}
	return nil
}

var (
	_ escrow.Store     = (*PGStore)(nil)
	_ escrow.RoleStore = (*PGStore)(nil)
	_ credit.Store     = (*PGStore)(nil)
)
