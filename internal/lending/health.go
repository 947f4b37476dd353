package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// The health engine values a full multi-asset portfolio in USD and decides
// solvency. All values are 256-bit mantissa sums (quotes are pre-normalized
// to one exponent, so mantissas compare directly); every multiplication is
// checked and a missing or non-positive quote aborts the evaluation.

// CollateralValue sums deposited_amount * price across the portfolio.
func CollateralValue(deposits map[AssetID]AssetPosition, quotes map[AssetID]PriceQuote) (*uint256.Int, error) {
	return portfolioValue(deposits, quotes)
}

// DebtValue sums borrowed_amount * price across the portfolio.
func DebtValue(borrows map[AssetID]AssetPosition, quotes map[AssetID]PriceQuote) (*uint256.Int, error) {
	return portfolioValue(borrows, quotes)
}

func portfolioValue(positions map[AssetID]AssetPosition, quotes map[AssetID]PriceQuote) (*uint256.Int, error) {
	total := new(uint256.Int)
	for asset, pos := range positions {
		if pos.Amount == 0 {
			continue
		}
		q, ok := quotes[asset]
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s", ErrPriceUnavailable, asset)
		}
		v, err := quoteValue(pos.Amount, q)
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, ErrMathOverflow
		}
	}
	return total, nil
}

// quoteValue returns amount * price as a 256-bit value.
func quoteValue(amount uint64, q PriceQuote) (*uint256.Int, error) {
	if q.Price <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrPriceUnavailable, q.Asset)
	}
	v := new(uint256.Int)
	if _, overflow := v.MulOverflow(uint256.NewInt(amount), uint256.NewInt(uint64(q.Price))); overflow {
		return nil, ErrMathOverflow
	}
	return v, nil
}

// WeightedCollateral applies a liquidation threshold (whole percent) to a
// collateral value: floor(value * threshold / 100).
func WeightedCollateral(collateralValue *uint256.Int, thresholdPct uint64) (*uint256.Int, error) {
	return pctOf(collateralValue, thresholdPct)
}

// BorrowCapacity applies a max LTV (whole percent) to a collateral value:
// floor(value * maxLTV / 100).
func BorrowCapacity(collateralValue *uint256.Int, maxLTVPct uint64) (*uint256.Int, error) {
	return pctOf(collateralValue, maxLTVPct)
}

// Healthy reports solvency: threshold-weighted collateral covers the debt.
// The exactly-equal boundary counts as healthy.
func Healthy(weightedCollateral, debtValue *uint256.Int) bool {
	return weightedCollateral.Cmp(debtValue) >= 0
}

func pctOf(value *uint256.Int, pct uint64) (*uint256.Int, error) {
	out := new(uint256.Int)
	if _, overflow := out.MulOverflow(value, uint256.NewInt(pct)); overflow {
		return nil, ErrMathOverflow
	}
	return out.Div(out, uint256.NewInt(100)), nil
}
