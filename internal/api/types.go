package api

// Amounts and shares travel as decimal strings. They are native-unit uint64
// values on the wire and JavaScript clients cannot hold them in a float.

type BankDTO struct {
	Asset                  string `json:"asset"`
	Decimals               uint8  `json:"decimals"`
	TotalDeposits          string `json:"total_deposits"`
	TotalDepositShares     string `json:"total_deposit_shares"`
	TotalBorrows           string `json:"total_borrows"`
	TotalBorrowShares      string `json:"total_borrow_shares"`
	MaxLTV                 uint64 `json:"max_ltv"`
	LiquidationThreshold   uint64 `json:"liquidation_threshold"`
	LiquidationBonus       uint64 `json:"liquidation_bonus"`
	LiquidationCloseFactor uint64 `json:"liquidation_close_factor"`
	AsOf                   int64  `json:"asOf"`
}

type AssetDTO struct {
	Symbol               string `json:"symbol"`
	Decimals             uint8  `json:"decimals"`
	FeedSymbol           string `json:"feed_symbol"`
	MaxLTV               uint64 `json:"max_ltv"`
	LiquidationThreshold uint64 `json:"liquidation_threshold"`
}

type AssetPositionDTO struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Shares string `json:"shares"`
}

type PositionDTO struct {
	User     string             `json:"user"`
	Deposits []AssetPositionDTO `json:"deposits"`
	Borrows  []AssetPositionDTO `json:"borrows"`
	AsOf     int64              `json:"asOf"`
}

type HealthReportDTO struct {
	User               string `json:"user"`
	CollateralValue    string `json:"collateral_value"`
	DebtValue          string `json:"debt_value"`
	WeightedCollateral string `json:"weighted_collateral"`
	BorrowCapacity     string `json:"borrow_capacity"`
	Healthy            bool   `json:"healthy"`
}

type InstructionRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type InstructionResultDTO struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Shares string `json:"shares"`
}

type LiquidationRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	BorrowedAsset   string `json:"borrowed_asset"`
	CollateralAsset string `json:"collateral_asset"`
}

type LiquidationResultDTO struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	BorrowedAsset   string `json:"borrowed_asset"`
	CollateralAsset string `json:"collateral_asset"`
	RepayAmount     string `json:"repay_amount"`
	SeizeAmount     string `json:"seize_amount"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
