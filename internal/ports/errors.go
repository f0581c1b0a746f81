package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientMargin   = errors.New("margin is insufficient for the order")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrUnknownSymbol        = errors.New("symbol is not traded on the exchange")

	// Trading Errors
	ErrPriceUnavailable     = errors.New("no fresh price available for symbol")
	ErrEntryCrossed         = errors.New("price already moved past the entry")
	ErrInsufficientQuantity = errors.New("quantity below the symbol minimum")
	ErrDuplicateSignal      = errors.New("signal already seen recently")
	ErrPositionOpen         = errors.New("instrument already has a live bracket")
	ErrQueueFull            = errors.New("signal queue is full")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)
