package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regenerate with: go test ./scenario -update
func TestScenarioGolden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			sc, err := Load(path)
			require.NoError(t, err)
			rep, err := Run(context.Background(), sc, nil)
			require.NoError(t, err)
			assert.True(t, rep.Passed, "failed steps: %+v", rep.Steps)

			var buf bytes.Buffer
			require.NoError(t, rep.WriteText(&buf))
			g.Assert(t, name, buf.Bytes())
		})
	}
}

func TestFailedExpectationsAreReported(t *testing.T) {
	sc, err := Parse([]byte(`
name: wrong
mints:
  depositor: "100"
steps:
  - op: create_deposit
    as: depositor
    task: t1
    amount: "100"
    capacity: 2
    expect:
      claimable: "60"
  - op: refund
    as: stranger
    task: t1
  - op: claim
    task: t1
    recipient: r1
    error: not_yet_claimable
`))
	require.NoError(t, err)
	rep, err := Run(context.Background(), sc, nil)
	require.NoError(t, err)
	require.Len(t, rep.Steps, 3)

	assert.False(t, rep.Passed)
	assert.Equal(t, 3, rep.Failed())
	assert.Equal(t, []string{"claimable: want 60, got 50"}, rep.Steps[0].Failures)
	assert.Equal(t, "unauthorized", rep.Steps[1].Outcome)
	assert.Contains(t, rep.Steps[1].Failures[0], "unexpected unauthorized")
	assert.Equal(t, "not_found", rep.Steps[2].Outcome)
	assert.Equal(t, []string{"want not_yet_claimable, got not_found"}, rep.Steps[2].Failures)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	assert.Contains(t, buf.String(), "     FAIL claimable: want 60, got 50\n")
	assert.True(t, strings.HasSuffix(buf.String(), "result FAIL (3 of 3 steps)\n"))
}

func TestLedgerOutcomes(t *testing.T) {
	sc, err := Parse([]byte(`
name: paused
mints:
  depositor: "100"
steps:
  - op: pause
    as: stranger
    error: not_owner
  - op: pause
    as: owner
  - op: create_deposit
    as: depositor
    task: t1
    amount: "100"
    capacity: 1
    error: ledger_paused
    expect:
      exists: "false"
      balance.depositor: "100"
  - op: unpause
    as: owner
  - op: approve
    as: depositor
    amount: "10"
  - op: create_deposit
    as: depositor
    task: t1
    amount: "100"
    capacity: 1
    error: insufficient_allowance
`))
	require.NoError(t, err)
	rep, err := Run(context.Background(), sc, nil)
	require.NoError(t, err)
	assert.True(t, rep.Passed, "%+v", rep.Steps)
}

func TestRolesThroughScenario(t *testing.T) {
	sc, err := Parse([]byte(`
name: roles
steps:
  - op: grant_admin
    as: owner
    who: ops
  - op: grant_admin
    as: ops
    who: intruder
    error: unauthorized
  - op: transfer_ownership
    as: owner
    who: ops
    expect:
      admin.ops: "true"
      admin.owner: "false"
  - op: revoke_admin
    as: owner
    who: ops
    error: unauthorized
`))
	require.NoError(t, err)
	rep, err := Run(context.Background(), sc, nil)
	require.NoError(t, err)
	assert.True(t, rep.Passed, "%+v", rep.Steps)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"unknown field": {
			doc:  "name: x\nstepz: []\n",
			want: "field stepz not found",
		},
		"no steps": {
			doc:  "name: x\n",
			want: "steps must be non-empty",
		},
		"unknown op": {
			doc:  "name: x\nsteps:\n  - op: teleport\n    as: a\n",
			want: `unknown op "teleport"`,
		},
		"missing args": {
			doc:  "name: x\nsteps:\n  - op: create_deposit\n    as: a\n",
			want: "create_deposit: task is required",
		},
		"bad amount": {
			doc:  "name: x\nsteps:\n  - op: approve\n    as: a\n    amount: \"-5\"\n",
			want: "negative amount",
		},
		"bad wallet": {
			doc:  "name: x\nwallets:\n  a: nope\nsteps:\n  - op: pause\n    as: a\n",
			want: "wallets.a",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	sc, err := Load("testdata/scenarios/single_assistant.yaml")
	require.NoError(t, err)
	rep, err := Run(context.Background(), sc, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))
	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "single_assistant", decoded.Name)
	assert.True(t, decoded.Passed)
	require.Len(t, decoded.Steps, 5)
	assert.Equal(t, "nothing_to_claim", decoded.Steps[4].Outcome)
	assert.Equal(t, Address("r1").Hex(), decoded.Balances[3].Address)
}

func TestAddressIsStable(t *testing.T) {
	assert.Equal(t, Address("depositor"), Address("depositor"))
	assert.NotEqual(t, Address("depositor"), Address("admin"))
	assert.NotEqual(t, Nonce("t1"), Nonce("t2"))
}
