package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Nonce is the caller supplied salt mixed into identifier derivation.
type Nonce [32]byte

// NewNonce returns a random uuid v4 without dashes, left padded to 32 bytes.
func NewNonce() Nonce {
	var n Nonce
	id := uuid.New()
	copy(n[16:], id[:])
	return n
}

// NonceFromUUID pads a textual uuid the same way NewNonce does.
func NonceFromUUID(s string) (Nonce, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nonce{}, fmt.Errorf("%w: nonce: %v", ErrInvalidParams, err)
	}
	var n Nonce
	copy(n[16:], id[:])
	return n, nil
}

// ParseNonce accepts either a uuid or up to 32 bytes of 0x-prefixed hex.
func ParseNonce(s string) (Nonce, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		return NonceFromUUID(s)
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) > 32 {
		return Nonce{}, fmt.Errorf("%w: malformed nonce %q", ErrInvalidParams, s)
	}
	var n Nonce
	copy(n[32-len(b):], b)
	return n, nil
}

// String renders the nonce as 0x-prefixed hex.
func (n Nonce) String() string { return hexutil.Encode(n[:]) }

// DeriveTaskID hashes the depositor with a nonce, matching
// keccak256(abi.encode(address, bytes32)).
func DeriveTaskID(depositor common.Address, nonce Nonce) TaskID {
	return derive(depositor, nonce)
}

// DeriveRecipientID hashes the recipient with a nonce.
func DeriveRecipientID(recipient common.Address, nonce Nonce) RecipientID {
	return derive(recipient, nonce)
}

func derive(addr common.Address, nonce Nonce) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(addr.Bytes(), 32), nonce[:])
}

// ParseHandle parses a 0x-prefixed 32-byte hex identifier.
func ParseHandle(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: malformed identifier %q", ErrInvalidParams, s)
	}
	return common.BytesToHash(b), nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex address. The zero address
// is rejected.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", ErrInvalidParams, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidParams)
	}
	return addr, nil
}
