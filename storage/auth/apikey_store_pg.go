package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGKeyStore persists API key digests in Postgres.
type PGKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGKeyStore connects and initializes schema.
func NewPGKeyStore(ctx context.Context, dsn string) (*PGKeyStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGKeyStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGKeyStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS escrow_api_keys (
  key_digest TEXT PRIMARY KEY,
  wallet TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS escrow_api_keys_wallet_idx ON escrow_api_keys (wallet);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init api key schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGKeyStore) Close() { s.pool.Close() }

func (s *PGKeyStore) Resolve(ctx context.Context, key string) (Credential, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Credential{}, ErrKeyRequired
	}
	var (
		c      Credential
		wallet string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT wallet, label, source, created_at FROM escrow_api_keys WHERE key_digest=$1`,
		digest(key),
	).Scan(&wallet, &c.Label, &c.Source, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrUnknownKey
	}
	if err != nil {
		return Credential{}, fmt.Errorf("resolve api key: %w", err)
	}
	if !common.IsHexAddress(wallet) {
		return Credential{}, fmt.Errorf("resolve api key: stored wallet %q is malformed", wallet)
	}
	c.Wallet = common.HexToAddress(wallet)
	return c, nil
}

func (s *PGKeyStore) Issue(ctx context.Context, wallet common.Address, label string) (string, Credential, error) {
	if wallet == (common.Address{}) {
		return "", Credential{}, ErrWalletMissing
	}
	key, err := generateKey()
	if err != nil {
		return "", Credential{}, err
	}
	c := Credential{Wallet: wallet, Label: label, Source: "issued", CreatedAt: time.Now().UTC()}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO escrow_api_keys (key_digest, wallet, label, source, created_at) VALUES ($1,$2,$3,$4,$5)`,
		digest(key), wallet.Hex(), c.Label, c.Source, c.CreatedAt)
	if err != nil {
		return "", Credential{}, fmt.Errorf("issue api key: %w", err)
	}
	return key, c, nil
}

func (s *PGKeyStore) Seed(ctx context.Context, key string, wallet common.Address, source string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}
	if wallet == (common.Address{}) {
		return ErrWalletMissing
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO escrow_api_keys (key_digest, wallet, source, created_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (key_digest) DO UPDATE SET wallet=EXCLUDED.wallet, source=EXCLUDED.source`,
		digest(key), wallet.Hex(), source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed api key: %w", err)
	}
	return nil
}

func (s *PGKeyStore) Revoke(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM escrow_api_keys WHERE key_digest=$1`, digest(strings.TrimSpace(key)))
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownKey
	}
	return nil
}

var _ KeyStore = (*PGKeyStore)(nil)
