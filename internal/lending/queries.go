package lending

import (
	"context"

	"github.com/holiman/uint256"
)

// HealthReport is the read-only solvency view of one user. Weighted
// collateral and borrow capacity are summed per collateral asset with that
// asset's own bank parameters, which generalizes the single-bank weighting
// the instructions apply.
type HealthReport struct {
	User               UserID
	CollateralValue    *uint256.Int
	DebtValue          *uint256.Int
	WeightedCollateral *uint256.Int
	BorrowCapacity     *uint256.Int
	Healthy            bool
}

// BankState returns the current record of one bank.
func (e *Engine) BankState(ctx context.Context, asset AssetID) (Bank, error) {
	var bank Bank
	err := e.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.Bank(ctx, asset)
		if err != nil {
			return err
		}
		bank = *b
		return nil
	})
	return bank, err
}

// PositionState returns the user's position; a user the store has never seen
// gets an empty position.
func (e *Engine) PositionState(ctx context.Context, user UserID) (UserPosition, error) {
	var pos UserPosition
	err := e.store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}
		pos = *p
		return nil
	})
	return pos, err
}

// AccountHealth values the user's portfolio at current quotes. A position
// with no debt is healthy without touching the oracle.
func (e *Engine) AccountHealth(ctx context.Context, user UserID) (*HealthReport, error) {
	var report *HealthReport
	err := e.store.WithTx(ctx, func(tx Tx) error {
		pos, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}

		report = &HealthReport{
			User:               user,
			CollateralValue:    uint256.NewInt(0),
			DebtValue:          uint256.NewInt(0),
			WeightedCollateral: uint256.NewInt(0),
			BorrowCapacity:     uint256.NewInt(0),
			Healthy:            true,
		}
		if len(pos.Deposits) == 0 && !pos.HasDebt() {
			return nil
		}

		quotes, err := e.fetchQuotes(ctx)
		if err != nil {
			return err
		}

		report.DebtValue, err = DebtValue(pos.Borrows, quotes)
		if err != nil {
			return err
		}
		report.CollateralValue, err = CollateralValue(pos.Deposits, quotes)
		if err != nil {
			return err
		}

		for asset, dep := range pos.Deposits {
			if dep.Amount == 0 {
				continue
			}
			bank, err := tx.Bank(ctx, asset)
			if err != nil {
				return err
			}
			value, err := quoteValue(dep.Amount, quotes[asset])
			if err != nil {
				return err
			}
			weighted, err := pctOf(value, bank.LiquidationThreshold)
			if err != nil {
				return err
			}
			capacity, err := pctOf(value, bank.MaxLTV)
			if err != nil {
				return err
			}
			var overflow bool
			if _, overflow = report.WeightedCollateral.AddOverflow(report.WeightedCollateral, weighted); overflow {
				return ErrMathOverflow
			}
			if _, overflow = report.BorrowCapacity.AddOverflow(report.BorrowCapacity, capacity); overflow {
				return ErrMathOverflow
			}
		}

		report.Healthy = Healthy(report.WeightedCollateral, report.DebtValue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
