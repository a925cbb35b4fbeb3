package auth

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func runKeyStoreSuite(t *testing.T, open func(t *testing.T) KeyStore) {
	ctx := context.Background()

	t.Run("seed and resolve", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Seed(ctx, "seed-key", walletA, "seed"))
		c, err := s.Resolve(ctx, " seed-key ")
		require.NoError(t, err)
		assert.Equal(t, walletA, c.Wallet)
		assert.Equal(t, "seed", c.Source)

		require.NoError(t, s.Seed(ctx, "seed-key", walletB, "seed"))
		c, err = s.Resolve(ctx, "seed-key")
		require.NoError(t, err)
		assert.Equal(t, walletB, c.Wallet)
	})

	t.Run("issue and revoke", func(t *testing.T) {
		s := open(t)
		key, c, err := s.Issue(ctx, walletA, "ci")
		require.NoError(t, err)
		assert.Len(t, key, 64)
		assert.Equal(t, "issued", c.Source)

		got, err := s.Resolve(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, walletA, got.Wallet)
		assert.Equal(t, "ci", got.Label)

		require.NoError(t, s.Revoke(ctx, key))
		_, err = s.Resolve(ctx, key)
		require.ErrorIs(t, err, ErrUnknownKey)
		require.ErrorIs(t, s.Revoke(ctx, key), ErrUnknownKey)
	})

	t.Run("rejections", func(t *testing.T) {
		s := open(t)
		_, err := s.Resolve(ctx, "")
		require.ErrorIs(t, err, ErrKeyRequired)
		_, err = s.Resolve(ctx, "unknown")
		require.ErrorIs(t, err, ErrUnknownKey)
		require.ErrorIs(t, s.Seed(ctx, "k", common.Address{}, "seed"), ErrWalletMissing)
		require.ErrorIs(t, s.Seed(ctx, " ", walletA, "seed"), ErrKeyRequired)
		_, _, err = s.Issue(ctx, common.Address{}, "")
		require.ErrorIs(t, err, ErrWalletMissing)
	})
}

func TestMemoryKeyStore(t *testing.T) {
	runKeyStoreSuite(t, func(t *testing.T) KeyStore { return NewMemoryKeyStore() })
}

func TestPGKeyStore(t *testing.T) {
	dsn := os.Getenv("ESCROW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ESCROW_TEST_PG_DSN not set")
	}
	runKeyStoreSuite(t, func(t *testing.T) KeyStore {
		ctx := context.Background()
		s, err := NewPGKeyStore(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE escrow_api_keys`)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}
