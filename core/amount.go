package core

// Arbitrary-precision wallet amounts. The spec mandates decimal-string
// encoding on the wire/in events and big.Int arithmetic in memory — never
// fixed-width 64-bit integers (spec §9 "Arbitrary-precision amounts").

import (
	"fmt"
	"math/big"
)

// ParseAmount validates and parses a non-negative base-10 integer string.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("clawnet: empty amount")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("clawnet: invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("clawnet: negative amount %q", s)
	}
	return n, nil
}

// FormatAmount renders a non-negative big.Int as the canonical decimal
// string used in events and state.
func FormatAmount(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// zeroAmount is the canonical string for a zero balance.
const zeroAmount = "0"
