package lending

import "errors"

// Every instruction failure maps to one of these sentinels, possibly wrapped
// with context. Any error aborts the whole instruction with no state change.
var (
	ErrZeroAmount             = errors.New("amount cannot be zero")
	ErrMathOverflow           = errors.New("arithmetic overflow")
	ErrMathUnderflow          = errors.New("arithmetic underflow")
	ErrUnsupportedAsset       = errors.New("asset not supported by the protocol")
	ErrInsufficientCollateral = errors.New("borrow exceeds collateral capacity")
	ErrInsufficientShares     = errors.New("withdrawal exceeds owned shares")
	ErrInsufficientFunds      = errors.New("computed amount exceeds recorded balance")
	ErrPositionHealthy        = errors.New("position is healthy, liquidation forbidden")
	ErrPositionUnhealthy      = errors.New("operation would leave position unhealthy")
	ErrStalePrice             = errors.New("price quote is stale")
	ErrPriceUnavailable       = errors.New("price quote unavailable")
	ErrUnknownUser            = errors.New("user position not found")
	ErrTransferFailed         = errors.New("token transfer failed")
)
