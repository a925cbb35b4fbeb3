package container

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humandao-org/EnergyContracts/config"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	funded = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Roles.Owner = owner.Hex()
	cfg.Auth.APIKeys = []string{"owner-key:" + owner.Hex()}
	cfg.Ledger.Mints = []string{funded.Hex() + ":1000"}
	return &cfg
}

func TestNewMemoryContainer(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, "1000", c.Token.BalanceOf(funded).String())
	assert.Equal(t, owner, c.Policy.Owner())
	assert.Equal(t, common.HexToAddress(config.DefaultCustody), c.Account.Address())
	assert.NotNil(t, c.Metrics)

	cred, err := c.Keys.Resolve(ctx, "owner-key")
	require.NoError(t, err)
	assert.Equal(t, owner, cred.Wallet)
	assert.Equal(t, "config", cred.Source)

	rec := httptest.NewRecorder()
	c.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, c.MCP.ToolNames(), "create_deposit")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, c.Metrics)

	rec := httptest.NewRecorder()
	c.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSQLiteRolesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "escrow.db")

	c, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Escrow.GrantAdmin(ctx, owner, admin))
	require.NoError(t, c.Close())

	// A different seed is ignored once roles are persisted.
	cfg.Roles.Owner = admin.Hex()
	c, err = New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, owner, c.Policy.Owner())
	assert.True(t, c.Policy.IsAdmin(admin))
}

func TestSQLiteLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "escrow.db")
	worker := common.HexToAddress("0x0000000000000000000000000000000000000c01")
	id := common.BytesToHash([]byte{0xaa, 1})
	rid := common.BytesToHash([]byte{0xbb, 1})

	c, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Token.Approve(ctx, funded, c.Account.Address(), big.NewInt(1000)))
	_, err = c.Escrow.CreateDeposit(ctx, funded, id, big.NewInt(1000), 1)
	require.NoError(t, err)
	_, err = c.Escrow.AddRecipient(ctx, funded, id, worker, rid)
	require.NoError(t, err)
	_, err = c.Escrow.SetClaimable(ctx, owner, id, rid)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.True(t, c.Token.Restored())
	assert.Equal(t, "1000", c.Token.BalanceOf(c.Account.Address()).String())
	// The configured grant is not minted a second time.
	assert.Equal(t, "0", c.Token.BalanceOf(funded).String())
	assert.Equal(t, "1000", c.Token.TotalSupply().String())

	sl, err := c.Escrow.Claim(ctx, worker, id, rid)
	require.NoError(t, err)
	assert.Equal(t, "1000", sl.Paid.String())
	assert.Equal(t, "1000", c.Token.BalanceOf(worker).String())
	assert.Equal(t, "0", c.Token.BalanceOf(c.Account.Address()).String())

	d, err := c.Escrow.ViewDeposit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, d.TaskID)
	assert.Equal(t, "0", d.Amount.String())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*config.Config){
		"missing owner": func(c *config.Config) { c.Roles.Owner = "" },
		"bad custody":   func(c *config.Config) { c.Ledger.Account = "nope" },
		"bad mint":      func(c *config.Config) { c.Ledger.Mints = []string{"0x01"} },
		"bad key":       func(c *config.Config) { c.Auth.APIKeys = []string{"lonely"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			_, err := New(context.Background(), cfg, nil)
			assert.Error(t, err)
		})
	}
}
