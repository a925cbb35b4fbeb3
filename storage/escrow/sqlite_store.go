package escrow

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const sqliteSchemaVersion = 2

// SQLiteStore persists deposits and the credit ledger in a single SQLite
// file. One connection is shared by every unit of work, which serializes
// them.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read user_version: %w", err)
	}
	if version > sqliteSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("sqlite schema version %d is newer than supported %d", version, sqliteSchemaVersion)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteDepositCols = `task_id, depositor, amount, claimable_amount, refundable_amount, per_claim_amount,
	assistant_count, recipient_count, claimed_count, allow_refund, is_open_ended, accepted,
	total_deposited, total_paid, total_refunded, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDeposit(sc scanner) (escrow.Deposit, error) {
	var (
		r                depositRow
		created, updated string
	)
	err := sc.Scan(&r.taskID, &r.depositor, &r.amount, &r.claimable, &r.refundable, &r.perClaim,
		&r.assistants, &r.recipients, &r.claimed, &r.allowRefund, &r.openEnded, &r.accepted,
		&r.totalDeposited, &r.totalPaid, &r.totalRefunded, &created, &updated)
	if err != nil {
		return escrow.Deposit{}, err
	}
	d, err := r.decode()
	if err != nil {
		return d, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return d, fmt.Errorf("decode created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return d, fmt.Errorf("decode updated_at: %w", err)
	}
	return d, nil
}

func sqliteTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

type sqliteTxKey struct{ s *SQLiteStore }

// withTx joins the transaction carried by ctx or begins one. The ctx given
// to fn carries the transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if tx, ok := ctx.Value(sqliteTxKey{s}).(*sql.Tx); ok {
		return fn(ctx, tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqliteTxKey{s}, tx), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) load(ctx context.Context, q sqlQuerier, id escrow.TaskID) (*escrow.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteDepositCols+` FROM escrow_deposits WHERE task_id = ?`, id.Hex())
	d, err := scanSQLiteDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load deposit: %w", err)
	}
	rows, err := q.QueryContext(ctx, `SELECT recipient_id, recipient_address, is_claimable, is_claimed, paid, added_at
		FROM escrow_recipients WHERE task_id = ? ORDER BY position`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()
	e := &escrow.Entry{Deposit: d}
	for rows.Next() {
		var (
			r     slotRow
			added string
		)
		if err := rows.Scan(&r.recipientID, &r.recipient, &r.claimable, &r.claimed, &r.paid, &added); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		sl, err := r.decode(id)
		if err != nil {
			return nil, err
		}
		if sl.AddedAt, err = time.Parse(time.RFC3339Nano, added); err != nil {
			return nil, fmt.Errorf("decode added_at: %w", err)
		}
		e.Slots = append(e.Slots, sl)
	}
	return e, rows.Err()
}

func (s *SQLiteStore) write(ctx context.Context, tx *sql.Tx, before, after *escrow.Entry) error {
	d := after.Deposit
	args := append(depositArgs(d)[1:], sqliteTime(d.UpdatedAt), d.TaskID.Hex())
	_, err := tx.ExecContext(ctx, `UPDATE escrow_deposits SET depositor = ?, amount = ?, claimable_amount = ?,
		refundable_amount = ?, per_claim_amount = ?, assistant_count = ?, recipient_count = ?, claimed_count = ?,
		allow_refund = ?, is_open_ended = ?, accepted = ?, total_deposited = ?, total_paid = ?, total_refunded = ?,
		updated_at = ? WHERE task_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}
	var prev []escrow.RecipientSlot
	if before != nil {
		prev = before.Slots
	}
	diff := diffSlots(prev, after.Slots)
	for _, rid := range diff.removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_recipients WHERE task_id = ? AND recipient_id = ?`,
			d.TaskID.Hex(), rid.Hex()); err != nil {
			return fmt.Errorf("delete recipient: %w", err)
		}
	}
	for _, sl := range diff.changed {
		if _, err := tx.ExecContext(ctx, `UPDATE escrow_recipients SET is_claimable = ?, is_claimed = ?, paid = ?
			WHERE task_id = ? AND recipient_id = ?`,
			sl.IsClaimable, sl.IsClaimed, encInt(sl.Paid), d.TaskID.Hex(), sl.RecipientID.Hex()); err != nil {
			return fmt.Errorf("update recipient: %w", err)
		}
	}
	for _, sl := range diff.added {
		if _, err := tx.ExecContext(ctx, `INSERT INTO escrow_recipients
			(task_id, recipient_id, recipient_address, is_claimable, is_claimed, paid, position, added_at)
			SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(position), 0) + 1, ? FROM escrow_recipients WHERE task_id = ?`,
			d.TaskID.Hex(), sl.RecipientID.Hex(), sl.Recipient.Hex(), sl.IsClaimable, sl.IsClaimed,
			encInt(sl.Paid), sqliteTime(sl.AddedAt), d.TaskID.Hex()); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, e *escrow.Entry, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM escrow_deposits WHERE task_id = ?`,
			e.Deposit.TaskID.Hex()).Scan(&n); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if n > 0 {
			return escrow.ErrDuplicateTask
		}
		cp := e.Clone()
		if err := fn(ctx, cp); err != nil {
			return err
		}
		d := cp.Deposit
		args := append(depositArgs(d), sqliteTime(d.CreatedAt), sqliteTime(d.UpdatedAt))
		if _, err := tx.ExecContext(ctx, `INSERT INTO escrow_deposits (`+sqliteDepositCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}
		return s.write(ctx, tx, nil, cp)
	})
}

func (s *SQLiteStore) Update(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := s.load(ctx, tx, id)
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

func (s *SQLiteStore) Delete(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, cur.Clone()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_recipients WHERE task_id = ?`, id.Hex()); err != nil {
			return fmt.Errorf("delete recipients: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_deposits WHERE task_id = ?`, id.Hex()); err != nil {
			return fmt.Errorf("delete deposit: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id escrow.TaskID) (*escrow.Entry, error) {
	return s.load(ctx, s.db, id)
}

func (s *SQLiteStore) List(ctx context.Context, f escrow.Filter) ([]escrow.Deposit, error) {
	var (
		where []string
		args  []any
	)
	if f.Depositor != nil {
		where = append(where, "depositor = ?")
		args = append(args, f.Depositor.Hex())
	}
	if f.OpenEnded != nil {
		where = append(where, "is_open_ended = ?")
		args = append(args, *f.OpenEnded)
	}
	q := `SELECT ` + sqliteDepositCols + ` FROM escrow_deposits`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY seq LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()
	var out []escrow.Deposit
	for rows.Next() {
		d, err := scanSQLiteDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadRoles(ctx context.Context) (escrow.Roles, error) {
	var owner, admins string
	err := s.db.QueryRowContext(ctx, `SELECT owner, admins FROM escrow_roles WHERE id = 1`).Scan(&owner, &admins)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Roles{}, escrow.ErrNotFound
	}
	if err != nil {
		return escrow.Roles{}, fmt.Errorf("load roles: %w", err)
	}
	return decRoles(owner, admins)
}

func (s *SQLiteStore) SaveRoles(ctx context.Context, r escrow.Roles) error {
	admins, err := encAdmins(r.Admins)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO escrow_roles (id, owner, admins) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, admins = excluded.admins`, r.Owner.Hex(), admins)
	if err != nil {
		return fmt.Errorf("save roles: %w", err)
	}
	return nil
}

var (
	_ escrow.Store     = (*SQLiteStore)(nil)
	_ escrow.RoleStore = (*SQLiteStore)(nil)
	_ credit.Store     = (*SQLiteStore)(nil)
)
