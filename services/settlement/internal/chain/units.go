package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a token amount to its integer base units, truncating
// anything finer than decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// ParseAddress accepts a 0x-prefixed hex address. An empty string parses to
// the zero address only when allowZero is set.
func ParseAddress(raw string, allowZero bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" && allowZero {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(raw), nil
}
