package storage

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount renders a big integer amount for persistence. Nil collapses
// to "0" so zero-value rows stay well formed.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseAmount restores a persisted amount. Empty columns read as zero;
// anything non-numeric is a corruption fault surfaced to the caller.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid amount %q", s)
	}
	return v, nil
}
