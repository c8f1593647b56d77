// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// QuaiDecimals is the fixed-point scale of the settlement currency (1 Quai = 10^18 wei).
const QuaiDecimals = 18

var ErrNegativeAmount = errors.New("negative amount")

// ParseFixed converts a decimal string into an integer scaled by 10^decimals.
// Digits beyond the scale are truncated, never rounded. No binary floating
// point is involved at any step.
func ParseFixed(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", value, err)
	}
	// BigInt truncates toward zero
	return d.Shift(decimals).BigInt(), nil
}

// FormatFixed renders a scaled integer as a decimal string with trailing
// fractional zeros removed ("3000000000000000000" at scale 18 -> "3").
func FormatFixed(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ToWei converts a Quai-denominated decimal string into wei. Negative
// amounts are rejected.
func ToWei(amount string) (*big.Int, error) {
	wei, err := ParseFixed(amount, QuaiDecimals)
	if err != nil {
		return nil, err
	}
	if wei.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	return wei, nil
}

// FromWei is the inverse of ToWei.
func FromWei(wei *big.Int) string {
	return FormatFixed(wei, QuaiDecimals)
}
