package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// SymbolInfo holds the trading filters of one futures symbol.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    float64
	StepSize    float64
	MinQuantity float64
	MinNotional float64
}

// OrderRequest describes an order to place. Quantity and prices must already
// be normalized to the symbol filters.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	Price         float64 // limit price for LIMIT and STOP
	StopPrice     float64 // trigger for STOP, STOP_MARKET and TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResponse represents the essential details returned by the exchange for an order.
type OrderResponse struct {
	OrderID       int64   // Exchange's order ID
	Symbol        string  // Symbol for the order
	ClientOrderID string  // User-defined order ID
	Price         float64 // Price of the order (might be 0 for market orders initially)
	StopPrice     float64 // Trigger price
	AvgPrice      float64 // Average filled price
	OrigQuantity  float64 // Original quantity requested
	ExecutedQty   float64 // Quantity filled
	Status        domain.OrderStatus
	Type          domain.OrderType
	Side          domain.OrderSide
	ReduceOnly    bool
	Timestamp     time.Time // time the order response was generated
}

// PositionRisk represents the risk details for an open position.
type PositionRisk struct {
	Symbol           string  // Symbol of the position
	PositionAmt      float64 // Current position amount (positive for long, negative for short)
	EntryPrice       float64 // Average entry price of the position
	MarkPrice        float64 // Current mark price
	UnRealizedProfit float64 // Unrealized profit/loss
	LiquidationPrice float64 // Estimated liquidation price
	Leverage         int     // Current leverage for the position
}

// OrderUpdate is an order execution report from the user data stream.
type OrderUpdate struct {
	ExchangeID    int64
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Status        domain.OrderStatus
	Price         float64
	AvgPrice      float64
	FilledQty     float64 // accumulated
	Time          time.Time
}

// BalanceUpdate reports a new wallet balance for an asset.
type BalanceUpdate struct {
	Asset   string
	Balance float64
}

// UserStreamHandlers receives decoded user data events.
type UserStreamHandlers struct {
	OnOrderUpdate   func(update *OrderUpdate)
	OnBalanceUpdate func(update *BalanceUpdate)
	OnError         func(err error)
}

// ExchangeClient defines the interface for interacting with the futures exchange.
// This abstraction allows decoupling the order lifecycle from the exchange implementation.
type ExchangeClient interface {
	// LoadSymbols fetches and caches the trading filters of every symbol.
	LoadSymbols(ctx context.Context) error

	// Symbol returns the cached filters of a symbol.
	Symbol(symbol string) (*SymbolInfo, error)

	// NormalizePrice rounds price to the symbol tick size.
	NormalizePrice(symbol string, price float64) (float64, error)

	// NormalizeQuantity rounds qty to the nearest step and raises it to the
	// symbol minimum. Returns ErrInsufficientQuantity when qty is not positive.
	NormalizeQuantity(symbol string, qty float64) (float64, error)

	// GetMarkPrice retrieves the current mark price for a given symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// CreateOrder places an order and returns the exchange acknowledgement.
	CreateOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)

	// CancelOrder cancels an open order by client order id.
	// Returns ErrOrderNotFound when the exchange no longer knows the order.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// GetOrder queries one order by client order id.
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// GetOpenOrders lists every open order across symbols.
	GetOpenOrders(ctx context.Context) ([]*OrderResponse, error)

	// GetPositions lists positions with a non-zero amount.
	GetPositions(ctx context.Context) ([]*PositionRisk, error)

	// GetKlines retrieves historical klines/candlestick data for the given symbol.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)
}

// UserStream delivers account and order events.
type UserStream interface {
	// StreamUserData opens the user data stream and keeps it alive until ctx
	// is canceled. The returned channel closes when the stream ends for good.
	StreamUserData(ctx context.Context, handlers UserStreamHandlers) (doneCh <-chan struct{}, err error)
}

// PriceStreamer delivers live mark prices.
type PriceStreamer interface {
	// StreamMarkPrices subscribes to the mark price of symbols.
	// Closing stopCh ends the stream; doneCh closes once it has ended.
	StreamMarkPrices(ctx context.Context, symbols []string, handler func(symbol string, price float64), errHandler func(err error)) (doneCh, stopCh chan struct{}, err error)
}
