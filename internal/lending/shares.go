package lending

import (
	"github.com/holiman/uint256"
)

// Share accounting converts between asset amounts and proportional pool
// shares for one pool side (deposit or borrow). Every conversion floors; the
// asymmetry this creates between mint and redeem is deliberate and must not
// be "fixed" here (see DESIGN.md). Products are taken in 256 bits so the
// multiplication can never wrap before the division; a result that does not
// fit uint64 is a hard ErrMathOverflow.

// MintShares returns the shares minted for adding amount to a pool currently
// holding (totalAmount, totalShares). An empty pool bootstraps at 1:1.
func MintShares(amount, totalAmount, totalShares uint64) (uint64, error) {
	if totalAmount == 0 || totalShares == 0 {
		return amount, nil
	}
	return mulDiv(amount, totalShares, totalAmount)
}

// AmountForShares returns the asset amount a holder of shares redeems from a
// pool holding (totalAmount, totalShares): floor(shares * totalAmount / totalShares).
func AmountForShares(shares, totalAmount, totalShares uint64) (uint64, error) {
	return mulDiv(shares, totalAmount, totalShares)
}

// SharesForAmount returns the shares burned when amount is removed from a
// pool holding (totalAmount, totalShares): floor(amount * totalShares / totalAmount).
// Used on the repay and liquidation paths where the amount, not the share
// count, is known.
func SharesForAmount(amount, totalAmount, totalShares uint64) (uint64, error) {
	return mulDiv(amount, totalShares, totalAmount)
}

// mulDiv computes floor(a*b/div) with a 256-bit intermediate. A zero divisor
// is reported as overflow, matching the checked-division discipline of the
// rest of the accounting.
func mulDiv(a, b, div uint64) (uint64, error) {
	if div == 0 {
		return 0, ErrMathOverflow
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	quo := prod.Div(prod, uint256.NewInt(div))
	if !quo.IsUint64() {
		return 0, ErrMathOverflow
	}
	return quo.Uint64(), nil
}

// addChecked and subChecked are the only sanctioned uint64 mutators for pool
// totals and position balances. Wraparound is never silent.
func addChecked(a, b uint64) (uint64, error) {
	c := a + b
	if c < a {
		return 0, ErrMathOverflow
	}
	return c, nil
}

func subChecked(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathUnderflow
	}
	return a - b, nil
}
