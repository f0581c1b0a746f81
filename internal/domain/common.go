package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction is the intended position direction of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide returns the order side used to open a position in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// OrderType mirrors the futures order types used by the bracket.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStop             OrderType = "STOP" // stop-limit
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the exchange-reported status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminalUnfilled reports whether the order ended without filling.
func (s OrderStatus) IsTerminalUnfilled() bool {
	return s == OrderStatusCanceled || s == OrderStatusExpired || s == OrderStatusRejected
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonMarket     CloseReason = "Market" // fallback market close
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonExpired    CloseReason = "EXPIRED"
	CloseReasonExternal   CloseReason = "EXTERNAL" // position vanished on the exchange
)
