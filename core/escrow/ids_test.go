package escrow_test

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

func TestDeriveTaskID(t *testing.T) {
	n := nonce(7)
	want := crypto.Keccak256Hash(common.LeftPadBytes(depositor.Bytes(), 32), n[:])
	assert.Equal(t, want, escrow.DeriveTaskID(depositor, n))
	assert.Equal(t, escrow.DeriveTaskID(depositor, n), escrow.DeriveRecipientID(depositor, n))
	assert.NotEqual(t, escrow.DeriveTaskID(depositor, n), escrow.DeriveTaskID(depositor, nonce(8)))
	assert.NotEqual(t, escrow.DeriveTaskID(depositor, n), escrow.DeriveTaskID(stranger, n))
}

func TestParseNonce(t *testing.T) {
	const id = "0b8a5f0e-6c2d-4f0e-9a37-3f1ad1c0f6a2"
	fromUUID, err := escrow.NonceFromUUID(id)
	require.NoError(t, err)
	parsed, err := escrow.ParseNonce(id)
	require.NoError(t, err)
	assert.Equal(t, fromUUID, parsed)
	assert.Equal(t, "0x000000000000000000000000000000000b8a5f0e6c2d4f0e9a373f1ad1c0f6a2", parsed.String())

	short, err := escrow.ParseNonce("0x2a")
	require.NoError(t, err)
	assert.Equal(t, nonce(0x2a), short)

	for _, bad := range []string{"", "nope", "0xzz", "0x" + strings.Repeat("00", 33)} {
		_, err := escrow.ParseNonce(bad)
		assert.ErrorIs(t, err, escrow.ErrInvalidParams, bad)
	}

	a, b := escrow.NewNonce(), escrow.NewNonce()
	assert.NotEqual(t, a, b)
	assert.Equal(t, [16]byte{}, [16]byte(a[:16]))
}

func TestParseHandle(t *testing.T) {
	id := taskID(1)
	got, err := escrow.ParseHandle(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = escrow.ParseHandle("0x1234")
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
	_, err = escrow.ParseHandle(id.Hex()[2:])
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
}

func TestParseAddress(t *testing.T) {
	got, err := escrow.ParseAddress(" " + depositor.Hex() + " ")
	require.NoError(t, err)
	assert.Equal(t, depositor, got)

	_, err = escrow.ParseAddress("0x0000000000000000000000000000000000000000")
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
	_, err = escrow.ParseAddress("0x12")
	require.ErrorIs(t, err, escrow.ErrInvalidParams)
}

func TestParseAmount(t *testing.T) {
	v, err := escrow.ParseAmount("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.String())

	v, err = escrow.ParseAmount("0x10")
	require.NoError(t, err)
	assert.Equal(t, "16", v.String())

	v, err = escrow.ParseAmount("0XfF")
	require.NoError(t, err)
	assert.Equal(t, "255", v.String())

	// Leading zeros stay decimal.
	v, err = escrow.ParseAmount("010")
	require.NoError(t, err)
	assert.Equal(t, "10", v.String())

	for _, bad := range []string{"", "-1", "1.5", "ten", "1_000", "0b101", "0o7", "+5", "0x", "0x-1", "0x1_0"} {
		_, err := escrow.ParseAmount(bad)
		assert.ErrorIs(t, err, escrow.ErrInvalidParams, bad)
	}
	assert.Panics(t, func() { escrow.MustAmount("x") })
}
