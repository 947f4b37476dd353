package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Store is the record store holding Bank and UserPosition records. WithTx
// runs fn inside one atomic unit of work: if fn returns an error nothing it
// did is visible afterwards. Exclusivity over touched records is the store's
// problem (row locks, a mutex), not the engine's; the engine never locks.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one instruction's view of the world: record reads and writes plus the
// token transfer service, all committed or rolled back together.
type Tx interface {
	TokenTransfer

	// Bank returns the pool record for an asset, ErrUnsupportedAsset when no
	// bank exists for it.
	Bank(ctx context.Context, asset AssetID) (*Bank, error)
	// Position returns a user's position record. First use starts from an
	// empty position; creation is the store's concern, not the engine's.
	Position(ctx context.Context, user UserID) (*UserPosition, error)
	PutBank(ctx context.Context, bank *Bank) error
	PutPosition(ctx context.Context, pos *UserPosition) error
}

// TokenTransfer moves fungible balances between accounts. Decimals are always
// passed explicitly so the implementation can reject asset-scaling mismatches.
type TokenTransfer interface {
	Transfer(ctx context.Context, from, to Account, authority Authority, asset AssetID, amount uint64, decimals uint8) error
}

// PriceSource supplies oracle quotes. A quote older than maxAge must be
// reported as an error, never returned.
type PriceSource interface {
	Price(ctx context.Context, asset AssetID, maxAge time.Duration) (PriceQuote, error)
}

// Catalog enumerates the supported asset set. Collateral can span every
// supported asset, so health checks need quotes for all of them.
type Catalog interface {
	Assets() []AssetID
	Supported(asset AssetID) bool
}

// Engine orchestrates the four lending instructions plus repay. Each
// instruction is validate -> oracle/health where required -> share
// conversions -> transfer -> commit, with any failure aborting the whole
// unit of work.
type Engine struct {
	store       Store
	prices      PriceSource
	catalog     Catalog
	maxQuoteAge time.Duration
	logger      *zap.SugaredLogger
	clock       func() time.Time
}

func NewEngine(store Store, prices PriceSource, catalog Catalog, maxQuoteAge time.Duration, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:       store,
		prices:      prices,
		catalog:     catalog,
		maxQuoteAge: maxQuoteAge,
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

type DepositResult struct {
	Asset        AssetID `json:"asset"`
	Amount       uint64  `json:"amount"`
	SharesMinted uint64  `json:"shares_minted"`
}

type BorrowResult struct {
	Asset        AssetID `json:"asset"`
	Amount       uint64  `json:"amount"`
	SharesMinted uint64  `json:"shares_minted"`
}

type WithdrawResult struct {
	Asset        AssetID `json:"asset"`
	Amount       uint64  `json:"amount"`
	SharesBurned uint64  `json:"shares_burned"`
}

type RepayResult struct {
	Asset        AssetID `json:"asset"`
	Amount       uint64  `json:"amount"`
	SharesBurned uint64  `json:"shares_burned"`
}

type LiquidateResult struct {
	Borrower        UserID  `json:"borrower"`
	BorrowedAsset   AssetID `json:"borrowed_asset"`
	CollateralAsset AssetID `json:"collateral_asset"`
	RepayAmount     uint64  `json:"repay_amount"`
	SeizeAmount     uint64  `json:"seize_amount"`
}

// Deposit adds amount of asset to the user's collateral. Deposits only ever
// improve solvency, so no health check and no oracle read.
func (e *Engine) Deposit(ctx context.Context, user UserID, asset AssetID, amount uint64) (*DepositResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if !e.catalog.Supported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	var res *DepositResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		bank, err := tx.Bank(ctx, asset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}

		// Shares are minted against the pre-transfer totals.
		shares, err := MintShares(amount, bank.TotalDeposits, bank.TotalDepositShares)
		if err != nil {
			return err
		}

		if err := tx.Transfer(ctx, WalletAccount(user), bank.VaultAccount(), Authority(user), asset, amount, bank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if bank.TotalDeposits, err = addChecked(bank.TotalDeposits, amount); err != nil {
			return err
		}
		if bank.TotalDepositShares, err = addChecked(bank.TotalDepositShares, shares); err != nil {
			return err
		}
		dep := pos.Deposit(asset)
		if dep.Amount, err = addChecked(dep.Amount, amount); err != nil {
			return err
		}
		if dep.Shares, err = addChecked(dep.Shares, shares); err != nil {
			return err
		}
		pos.SetDeposit(asset, dep)

		now := e.clock()
		bank.LastUpdated = now
		pos.LastUpdated = now
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		res = &DepositResult{Asset: asset, Amount: amount, SharesMinted: shares}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infow("deposit applied", "user", user, "asset", asset, "amount", amount, "shares", res.SharesMinted)
	return res, nil
}

// Borrow lends amount of asset against the user's whole deposited portfolio.
func (e *Engine) Borrow(ctx context.Context, user UserID, asset AssetID, amount uint64) (*BorrowResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if !e.catalog.Supported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	var res *BorrowResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		bank, err := tx.Bank(ctx, asset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}

		// Collateral may span every supported asset, so fetch the full quote
		// set, not just the borrowed asset's.
		quotes, err := e.fetchQuotes(ctx)
		if err != nil {
			return err
		}

		collateral, err := CollateralValue(pos.Deposits, quotes)
		if err != nil {
			return err
		}
		capacity, err := BorrowCapacity(collateral, bank.MaxLTV)
		if err != nil {
			return err
		}
		requested, err := quoteValue(amount, quotes[asset])
		if err != nil {
			return err
		}
		if requested.Cmp(capacity) > 0 {
			return fmt.Errorf("%w: requested value %s exceeds capacity %s",
				ErrInsufficientCollateral, requested.Dec(), capacity.Dec())
		}

		shares, err := MintShares(amount, bank.TotalBorrows, bank.TotalBorrowShares)
		if err != nil {
			return err
		}

		// Vault payout, authorized by the bank's own derived authority.
		if err := tx.Transfer(ctx, bank.VaultAccount(), WalletAccount(user), bank.vaultAuthority(), asset, amount, bank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if bank.TotalBorrows, err = addChecked(bank.TotalBorrows, amount); err != nil {
			return err
		}
		if bank.TotalBorrowShares, err = addChecked(bank.TotalBorrowShares, shares); err != nil {
			return err
		}
		bor := pos.Borrow(asset)
		if bor.Amount, err = addChecked(bor.Amount, amount); err != nil {
			return err
		}
		if bor.Shares, err = addChecked(bor.Shares, shares); err != nil {
			return err
		}
		pos.SetBorrow(asset, bor)

		now := e.clock()
		bank.LastUpdated = now
		pos.LastUpdated = now
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		res = &BorrowResult{Asset: asset, Amount: amount, SharesMinted: shares}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infow("borrow applied", "user", user, "asset", asset, "amount", amount, "shares", res.SharesMinted)
	return res, nil
}

// Withdraw redeems shares (not an amount: naming shares prevents rounding
// exploitation against the pool) of the user's deposit in asset.
func (e *Engine) Withdraw(ctx context.Context, user UserID, asset AssetID, shares uint64) (*WithdrawResult, error) {
	if shares == 0 {
		return nil, ErrZeroAmount
	}
	if !e.catalog.Supported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	var res *WithdrawResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		bank, err := tx.Bank(ctx, asset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}

		dep := pos.Deposit(asset)
		if shares > dep.Shares {
			return fmt.Errorf("%w: requested %d, owned %d", ErrInsufficientShares, shares, dep.Shares)
		}
		amount, err := AmountForShares(shares, bank.TotalDeposits, bank.TotalDepositShares)
		if err != nil {
			return err
		}
		// Consistency check between the share ratio and the recorded balance.
		if amount > dep.Amount {
			return fmt.Errorf("%w: computed %d, recorded %d", ErrInsufficientFunds, amount, dep.Amount)
		}

		// A zero-debt position is healthy whatever it withdraws; only
		// positions with outstanding debt need prices at all.
		if pos.HasDebt() {
			quotes, err := e.fetchQuotes(ctx)
			if err != nil {
				return err
			}
			if err := e.checkPostWithdrawalHealth(pos, asset, amount, bank.LiquidationThreshold, quotes); err != nil {
				return err
			}
		}

		if err := tx.Transfer(ctx, bank.VaultAccount(), WalletAccount(user), bank.vaultAuthority(), asset, amount, bank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if bank.TotalDeposits, err = subChecked(bank.TotalDeposits, amount); err != nil {
			return err
		}
		if bank.TotalDepositShares, err = subChecked(bank.TotalDepositShares, shares); err != nil {
			return err
		}
		if dep.Amount, err = subChecked(dep.Amount, amount); err != nil {
			return err
		}
		if dep.Shares, err = subChecked(dep.Shares, shares); err != nil {
			return err
		}
		pos.SetDeposit(asset, dep)

		now := e.clock()
		bank.LastUpdated = now
		pos.LastUpdated = now
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		res = &WithdrawResult{Asset: asset, Amount: amount, SharesBurned: shares}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infow("withdraw applied", "user", user, "asset", asset, "amount", res.Amount, "shares", shares)
	return res, nil
}

// checkPostWithdrawalHealth simulates the portfolio after removing amount of
// asset and requires it to remain solvent. The exactly-equal boundary passes.
func (e *Engine) checkPostWithdrawalHealth(pos *UserPosition, asset AssetID, amount uint64, thresholdPct uint64, quotes map[AssetID]PriceQuote) error {
	debt, err := DebtValue(pos.Borrows, quotes)
	if err != nil {
		return err
	}

	simulated := make(map[AssetID]AssetPosition, len(pos.Deposits))
	for a, d := range pos.Deposits {
		simulated[a] = d
	}
	dep := simulated[asset]
	if dep.Amount, err = subChecked(dep.Amount, amount); err != nil {
		return err
	}
	simulated[asset] = dep

	collateral, err := CollateralValue(simulated, quotes)
	if err != nil {
		return err
	}
	weighted, err := WeightedCollateral(collateral, thresholdPct)
	if err != nil {
		return err
	}
	if !Healthy(weighted, debt) {
		return fmt.Errorf("%w: weighted collateral %s < debt %s",
			ErrPositionUnhealthy, weighted.Dec(), debt.Dec())
	}
	return nil
}

// Repay pays down the user's debt in asset. Amounts beyond the outstanding
// debt are clamped rather than rejected, so a full repayment never fails on
// interest-free dust.
func (e *Engine) Repay(ctx context.Context, user UserID, asset AssetID, amount uint64) (*RepayResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if !e.catalog.Supported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	var res *RepayResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		bank, err := tx.Bank(ctx, asset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, user)
		if err != nil {
			return err
		}

		bor := pos.Borrow(asset)
		if bor.Amount == 0 {
			return fmt.Errorf("%w: nothing borrowed in %s", ErrInsufficientFunds, asset)
		}
		if amount > bor.Amount {
			amount = bor.Amount
		}

		shares, err := SharesForAmount(amount, bank.TotalBorrows, bank.TotalBorrowShares)
		if err != nil {
			return err
		}
		if shares > bor.Shares {
			shares = bor.Shares
		}

		if err := tx.Transfer(ctx, WalletAccount(user), bank.VaultAccount(), Authority(user), asset, amount, bank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if bank.TotalBorrows, err = subChecked(bank.TotalBorrows, amount); err != nil {
			return err
		}
		if bank.TotalBorrowShares, err = subChecked(bank.TotalBorrowShares, shares); err != nil {
			return err
		}
		if bor.Amount, err = subChecked(bor.Amount, amount); err != nil {
			return err
		}
		if bor.Shares, err = subChecked(bor.Shares, shares); err != nil {
			return err
		}
		pos.SetBorrow(asset, bor)

		now := e.clock()
		bank.LastUpdated = now
		pos.LastUpdated = now
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		res = &RepayResult{Asset: asset, Amount: amount, SharesBurned: shares}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infow("repay applied", "user", user, "asset", asset, "amount", res.Amount, "shares", res.SharesBurned)
	return res, nil
}

// Liquidate settles part of an unhealthy borrower's debt. The liquidator
// repays a close-factor-capped slice of the debt and seizes bonus-weighted
// collateral; no amount is taken as input.
func (e *Engine) Liquidate(ctx context.Context, liquidator, borrower UserID, borrowedAsset, collateralAsset AssetID) (*LiquidateResult, error) {
	if !e.catalog.Supported(borrowedAsset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, borrowedAsset)
	}
	if !e.catalog.Supported(collateralAsset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, collateralAsset)
	}

	var res *LiquidateResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		borrowedBank, err := tx.Bank(ctx, borrowedAsset)
		if err != nil {
			return err
		}
		collateralBank, err := tx.Bank(ctx, collateralAsset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, borrower)
		if err != nil {
			return err
		}

		quotes, err := e.fetchQuotes(ctx)
		if err != nil {
			return err
		}

		debt, err := DebtValue(pos.Borrows, quotes)
		if err != nil {
			return err
		}
		collateral, err := CollateralValue(pos.Deposits, quotes)
		if err != nil {
			return err
		}
		weighted, err := WeightedCollateral(collateral, collateralBank.LiquidationThreshold)
		if err != nil {
			return err
		}
		if Healthy(weighted, debt) {
			return fmt.Errorf("%w: weighted collateral %s covers debt %s",
				ErrPositionHealthy, weighted.Dec(), debt.Dec())
		}

		// Everything is priced in USD first, then converted back to native
		// units of each leg's asset.
		repayValue, err := pctOf(debt, borrowedBank.LiquidationCloseFactor)
		if err != nil {
			return err
		}
		repayAmount, err := nativeAmount(repayValue, quotes[borrowedAsset])
		if err != nil {
			return err
		}
		seizeValue, err := pctOf(repayValue, 100+collateralBank.LiquidationBonus)
		if err != nil {
			return err
		}
		seizeAmount, err := nativeAmount(seizeValue, quotes[collateralAsset])
		if err != nil {
			return err
		}

		sharesRepaid, err := SharesForAmount(repayAmount, borrowedBank.TotalBorrows, borrowedBank.TotalBorrowShares)
		if err != nil {
			return err
		}
		sharesSeized, err := SharesForAmount(seizeAmount, collateralBank.TotalDeposits, collateralBank.TotalDepositShares)
		if err != nil {
			return err
		}

		// Liquidator repays the debt into the borrowed-asset vault, then
		// the collateral vault pays the bonus-weighted seizure out.
		if err := tx.Transfer(ctx, WalletAccount(liquidator), borrowedBank.VaultAccount(), Authority(liquidator), borrowedAsset, repayAmount, borrowedBank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if err := tx.Transfer(ctx, collateralBank.VaultAccount(), WalletAccount(liquidator), collateralBank.vaultAuthority(), collateralAsset, seizeAmount, collateralBank.Decimals); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		// Checked decrements on both banks and both sides of the borrower's
		// position; underflow anywhere aborts the whole instruction.
		if borrowedBank.TotalBorrows, err = subChecked(borrowedBank.TotalBorrows, repayAmount); err != nil {
			return err
		}
		if borrowedBank.TotalBorrowShares, err = subChecked(borrowedBank.TotalBorrowShares, sharesRepaid); err != nil {
			return err
		}
		if collateralBank.TotalDeposits, err = subChecked(collateralBank.TotalDeposits, seizeAmount); err != nil {
			return err
		}
		if collateralBank.TotalDepositShares, err = subChecked(collateralBank.TotalDepositShares, sharesSeized); err != nil {
			return err
		}

		bor := pos.Borrow(borrowedAsset)
		if bor.Amount, err = subChecked(bor.Amount, repayAmount); err != nil {
			return err
		}
		if bor.Shares, err = subChecked(bor.Shares, sharesRepaid); err != nil {
			return err
		}
		pos.SetBorrow(borrowedAsset, bor)

		dep := pos.Deposit(collateralAsset)
		if dep.Amount, err = subChecked(dep.Amount, seizeAmount); err != nil {
			return err
		}
		if dep.Shares, err = subChecked(dep.Shares, sharesSeized); err != nil {
			return err
		}
		pos.SetDeposit(collateralAsset, dep)

		now := e.clock()
		borrowedBank.LastUpdated = now
		collateralBank.LastUpdated = now
		pos.LastUpdated = now
		if err := tx.PutBank(ctx, borrowedBank); err != nil {
			return err
		}
		if err := tx.PutBank(ctx, collateralBank); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		res = &LiquidateResult{
			Borrower:        borrower,
			BorrowedAsset:   borrowedAsset,
			CollateralAsset: collateralAsset,
			RepayAmount:     repayAmount,
			SeizeAmount:     seizeAmount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infow("liquidation applied",
		"liquidator", liquidator,
		"borrower", borrower,
		"repay_asset", borrowedAsset,
		"repay_amount", res.RepayAmount,
		"seize_asset", collateralAsset,
		"seize_amount", res.SeizeAmount,
	)
	return res, nil
}

// fetchQuotes loads a bounded-staleness quote for every supported asset.
func (e *Engine) fetchQuotes(ctx context.Context) (map[AssetID]PriceQuote, error) {
	quotes := make(map[AssetID]PriceQuote)
	for _, asset := range e.catalog.Assets() {
		q, err := e.prices.Price(ctx, asset, e.maxQuoteAge)
		if err != nil {
			return nil, fmt.Errorf("quote for %s: %w", asset, err)
		}
		quotes[asset] = q
	}
	return quotes, nil
}

// nativeAmount converts a USD value back to native units of the quoted asset.
func nativeAmount(value *uint256.Int, q PriceQuote) (uint64, error) {
	if q.Price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price for %s", ErrPriceUnavailable, q.Asset)
	}
	out := new(uint256.Int).Div(value, uint256.NewInt(uint64(q.Price)))
	if !out.IsUint64() {
		return 0, ErrMathOverflow
	}
	return out.Uint64(), nil
}
