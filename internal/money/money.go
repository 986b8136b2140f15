// Package money converts between lites, the smallest indivisible coin
// unit, and the display unit. All ledger arithmetic is int64 lites; the
// display unit exists only at the API edge.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LitesPerCoin is the number of lites in one display unit (10^8).
const LitesPerCoin = int64(100_000_000)

var litesPerCoinDec = decimal.NewFromInt(LitesPerCoin)

// FormatLites renders an amount of lites in display units, e.g.
// 150000000 -> "1.5".
func FormatLites(lites int64) string {
	return decimal.NewFromInt(lites).Div(litesPerCoinDec).String()
}

// ParseCoins parses a display-unit amount into lites. Amounts with more
// than eight fractional digits are rejected rather than silently rounded.
func ParseCoins(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	lites := d.Mul(litesPerCoinDec)
	if !lites.IsInteger() {
		return 0, fmt.Errorf("amount %q is below one lite of precision", s)
	}
	return lites.IntPart(), nil
}
