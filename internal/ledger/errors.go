package ledger

import "errors"

// Admission-time errors are returned synchronously to the caller; a
// rejected order is never persisted.
var (
	ErrInvalidQuantity      = errors.New("order quantity must be positive")
	ErrInvalidPrice         = errors.New("limit price must be positive")
	ErrInvalidSymbol        = errors.New("symbol is required")
	ErrNoMarketPrice        = errors.New("no market price available for symbol")
	ErrInsufficientFunds    = errors.New("insufficient available cash")
	ErrInsufficientHoldings = errors.New("insufficient sellable holdings")
	ErrForbidden            = errors.New("order belongs to another account")
	ErrOrderNotCancellable  = errors.New("order is not in a cancellable state")
)
