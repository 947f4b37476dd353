package lending

import (
	"time"
)

// AssetID identifies a supported asset. The set of valid IDs comes from the
// asset registry supplied at startup; nothing in this package hard-codes one.
type AssetID string

// UserID identifies a protocol user. Identity verification happens before any
// instruction reaches this package.
type UserID string

// Account names a fungible-balance account on the token transfer service,
// either a user wallet or a bank vault.
type Account string

// Authority authorizes a transfer's debit side. For user-originated transfers
// it is the user themselves; for vault payouts it is the bank's own derived
// vault authority.
type Authority string

// WalletAccount returns the transfer account holding a user's own balances.
func WalletAccount(user UserID) Account {
	return Account("wallet:" + string(user))
}

// Bank is the per-asset liquidity pool record. Totals are recorded amounts,
// not necessarily the live vault balance once interest exists.
type Bank struct {
	Asset    AssetID `json:"asset"`
	Decimals uint8   `json:"decimals"`

	TotalDeposits      uint64 `json:"total_deposits"`
	TotalDepositShares uint64 `json:"total_deposit_shares"`
	TotalBorrows       uint64 `json:"total_borrows"`
	TotalBorrowShares  uint64 `json:"total_borrow_shares"`

	// Risk parameters, all whole percentages in [0, 100] except the bonus
	// which may exceed 100 in principle but never does in practice.
	MaxLTV                 uint64 `json:"max_ltv"`
	LiquidationThreshold   uint64 `json:"liquidation_threshold"`
	LiquidationBonus       uint64 `json:"liquidation_bonus"`
	LiquidationCloseFactor uint64 `json:"liquidation_close_factor"`

	LastUpdated time.Time `json:"last_updated"`
}

// VaultAccount is the transfer account holding this bank's pooled liquidity.
func (b *Bank) VaultAccount() Account {
	return Account("vault:" + string(b.Asset))
}

// vaultAuthority is the bank-owned capability that authorizes payouts from the
// vault. It is derived from the asset id, never from a human signer, and never
// leaves this package except inside a Transfer call.
func (b *Bank) vaultAuthority() Authority {
	return Authority("vault-authority:" + string(b.Asset))
}

// AssetPosition is one side (deposit or borrow) of a user's holding in a
// single asset: the recorded amount and the proportional pool shares.
type AssetPosition struct {
	Amount uint64 `json:"amount"`
	Shares uint64 `json:"shares"`
}

// UserPosition is the per-user multi-asset position record.
type UserPosition struct {
	User        UserID                    `json:"user"`
	Deposits    map[AssetID]AssetPosition `json:"deposits"`
	Borrows     map[AssetID]AssetPosition `json:"borrows"`
	LastUpdated time.Time                 `json:"last_updated"`
}

// NewUserPosition returns an empty position for a user.
func NewUserPosition(user UserID) *UserPosition {
	return &UserPosition{
		User:     user,
		Deposits: make(map[AssetID]AssetPosition),
		Borrows:  make(map[AssetID]AssetPosition),
	}
}

// Deposit returns the user's deposit-side position for an asset, zero-valued
// when the user has never deposited it.
func (p *UserPosition) Deposit(asset AssetID) AssetPosition {
	return p.Deposits[asset]
}

// Borrow returns the user's borrow-side position for an asset.
func (p *UserPosition) Borrow(asset AssetID) AssetPosition {
	return p.Borrows[asset]
}

// HasDebt reports whether any borrowed amount is outstanding. A zero-debt
// position passes every health check by construction, so callers can skip
// oracle reads entirely.
func (p *UserPosition) HasDebt() bool {
	for _, b := range p.Borrows {
		if b.Amount > 0 || b.Shares > 0 {
			return true
		}
	}
	return false
}

// SetDeposit replaces the deposit slot for asset, allocating the map on
// first use so zero-value positions stay usable.
func (p *UserPosition) SetDeposit(asset AssetID, ap AssetPosition) {
	if p.Deposits == nil {
		p.Deposits = make(map[AssetID]AssetPosition)
	}
	p.Deposits[asset] = ap
}

// SetBorrow replaces the borrow slot for asset.
func (p *UserPosition) SetBorrow(asset AssetID, ap AssetPosition) {
	if p.Borrows == nil {
		p.Borrows = make(map[AssetID]AssetPosition)
	}
	p.Borrows[asset] = ap
}

// PriceQuote is an oracle observation for one asset. Price is an integer
// mantissa; Expo scales it (price * 10^expo = USD). The oracle client
// normalizes every quote to a common exponent before it reaches the engine,
// so valuation can compare mantissas directly. Quotes are consumed, never
// persisted.
type PriceQuote struct {
	Asset       AssetID   `json:"asset"`
	Price       int64     `json:"price"`
	Expo        int32     `json:"expo"`
	PublishedAt time.Time `json:"published_at"`
}
