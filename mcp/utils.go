package mcp

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// args wraps the arguments of one tool call.
type args struct {
	tool string
	m    map[string]any
}

func (a args) present(key string) bool {
	v, ok := a.m[key]
	if !ok || v == nil {
		return false
	}
	s, isStr := v.(string)
	return !isStr || strings.TrimSpace(s) != ""
}

func (a args) str(key string) (string, error) {
	v, ok := a.m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewTypeError(a.tool, key, v, "string")
	}
	return strings.TrimSpace(s), nil
}

func (a args) requireStr(key string) (string, error) {
	s, err := a.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", NewMissingFieldError(a.tool, key)
	}
	return s, nil
}

func (a args) handle(key string) (common.Hash, error) {
	s, err := a.requireStr(key)
	if err != nil {
		return common.Hash{}, err
	}
	h, err := escrow.ParseHandle(s)
	if err != nil {
		return common.Hash{}, NewInvalidFieldError(a.tool, key, s, err)
	}
	return h, nil
}

func (a args) address(key string) (common.Address, error) {
	s, err := a.requireStr(key)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := escrow.ParseAddress(s)
	if err != nil {
		return common.Address{}, NewInvalidFieldError(a.tool, key, s, err)
	}
	return addr, nil
}

// nonce parses an optional nonce, generating one when absent.
func (a args) nonce(key string) (escrow.Nonce, error) {
	s, err := a.str(key)
	if err != nil || s == "" {
		return escrow.NewNonce(), err
	}
	n, err := escrow.ParseNonce(s)
	if err != nil {
		return escrow.Nonce{}, NewInvalidFieldError(a.tool, key, s, err)
	}
	return n, nil
}

// amount accepts decimal strings for full precision and JSON numbers
// for small integral values.
func (a args) amount(key string) (*big.Int, error) {
	v, ok := a.m[key]
	if !ok || v == nil {
		return nil, NewMissingFieldError(a.tool, key)
	}
	var raw string
	switch x := v.(type) {
	case string:
		raw = x
	case json.Number:
		raw = x.String()
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return nil, NewTypeError(a.tool, key, v, "integer string")
		}
		raw = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		raw = strconv.Itoa(x)
	case int64:
		raw = strconv.FormatInt(x, 10)
	default:
		return nil, NewTypeError(a.tool, key, v, "integer string")
	}
	n, err := escrow.ParseAmount(raw)
	if err != nil {
		return nil, NewInvalidFieldError(a.tool, key, v, err)
	}
	return n, nil
}

func (a args) optionalAmount(key string) (*big.Int, error) {
	if !a.present(key) {
		return new(big.Int), nil
	}
	return a.amount(key)
}

func (a args) count(key string, required bool) (uint64, error) {
	if !a.present(key) {
		if required {
			return 0, NewMissingFieldError(a.tool, key)
		}
		return 0, nil
	}
	n, err := a.amount(key)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, NewTypeError(a.tool, key, a.m[key], "uint64")
	}
	return n.Uint64(), nil
}

func (a args) boolean(key string) (value, ok bool, err error) {
	v, present := a.m[key]
	if !present || v == nil {
		return false, false, nil
	}
	switch x := v.(type) {
	case bool:
		return x, true, nil
	case string:
		b, perr := strconv.ParseBool(strings.TrimSpace(x))
		if perr != nil {
			return false, false, NewTypeError(a.tool, key, v, "boolean")
		}
		return b, true, nil
	}
	return false, false, NewTypeError(a.tool, key, v, "boolean")
}
