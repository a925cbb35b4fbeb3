package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount parses a non-negative base-10 (or 0x-prefixed hex) integer.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidParams)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidParams, s)
	}
	digits, base, set := s, 10, "0123456789"
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		digits, base, set = s[2:], 16, "0123456789abcdefABCDEF"
	}
	// big.Int alone would also take signs, underscores and 0b/0o.
	if strings.Trim(digits, set) != "" {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidParams, s)
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidParams, s)
	}
	return v, nil
}

// MustAmount is ParseAmount for literals known to be valid.
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return cloneInt(a)
	}
	return cloneInt(b)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func nonNegative(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}
