package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humandao-org/EnergyContracts/config"
	"github.com/humandao-org/EnergyContracts/container"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

const scenarios = "../../scenario/testdata/scenarios"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"ids"},
		{"scenario", "run"},
		{"scenario", "validate"},
		{"deposit", "view"},
		{"deposit", "remaining"},
		{"deposit", "list"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "ids", "--address", "0x00000000000000000000000000000000000000a1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestIDs(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	out, err := run(t, "--format", "json", "ids", "--address", addr.Hex(), "--nonce", "0x01")
	require.NoError(t, err)

	var view models.IDsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	var n escrow.Nonce
	n[31] = 1
	assert.Equal(t, escrow.DeriveTaskID(addr, n).Hex(), view.TaskID)
	assert.Equal(t, escrow.DeriveRecipientID(addr, n).Hex(), view.RecipientID)
	assert.Equal(t, n.String(), view.Nonce)

	out, err = run(t, "ids", "--address", addr.Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "task_id:")

	_, err = run(t, "ids", "--address", "0x0")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioRun(t *testing.T) {
	out, err := run(t, "scenario", "run",
		filepath.Join(scenarios, "single_assistant.yaml"),
		filepath.Join(scenarios, "compensation.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "scenario single_assistant\n")
	assert.Contains(t, out, "scenario compensation\n")
	assert.NotContains(t, out, "FAIL")

	out, err = run(t, "--format", "json", "scenario", "run", filepath.Join(scenarios, "open_ended.yaml"))
	require.NoError(t, err)
	var reps []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reps))
	require.Len(t, reps, 1)
	assert.Equal(t, true, reps[0]["passed"])
}

func TestScenarioRunFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
steps:
  - op: refund
    as: depositor
    task: missing
`), 0o644))
	out, err := run(t, "scenario", "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "-> not_found")

	_, err = run(t, "scenario", "run", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: typo\nstep: []\n"), 0o644))

	out, err := run(t, "scenario", "validate", filepath.Join(scenarios, "fixed_capacity.yaml"), path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "ok   "+filepath.Join(scenarios, "fixed_capacity.yaml"))
	assert.Contains(t, out, "FAIL "+path)
}

func TestDepositCommands(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	depositor := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	cfg := config.Default()
	cfg.Roles.Owner = owner.Hex()
	cfg.Ledger.Mints = []string{depositor.Hex() + ":1000"}
	c, err := container.New(ctx, &cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Token.Approve(ctx, depositor, c.Account.Address(), big.NewInt(1000)))
	var n escrow.Nonce
	n[31] = 9
	id := escrow.DeriveTaskID(depositor, n)
	_, err = c.Escrow.CreateDeposit(ctx, depositor, id, big.NewInt(1000), 4)
	require.NoError(t, err)

	srv := httptest.NewServer(c.Router)
	t.Cleanup(srv.Close)

	out, err := run(t, "deposit", "view", id.Hex(), "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "amount:      1000\n")
	assert.Contains(t, out, "claimable:   250\n")
	assert.Contains(t, out, "recipients:  0 of 4 (0 claimed)\n")

	out, err = run(t, "--format", "json", "deposit", "remaining", id.Hex(), "--server", srv.URL)
	require.NoError(t, err)
	var rem models.RemainingView
	require.NoError(t, json.Unmarshal([]byte(out), &rem))
	assert.Equal(t, "4", rem.Claims)

	out, err = run(t, "deposit", "list", "--depositor", depositor.Hex(), "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, id.Hex()+" amount=1000 claimable=250 recipients=0/4\n")

	var other escrow.TaskID
	other[0] = 1
	_, err = run(t, "deposit", "view", other.Hex(), "--server", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not_found")
}
