package domain

import "time"

// Trade is the closing record of one bracket, kept as history.
type Trade struct {
	ID          int64       // assigned by the store
	EntryID     string      // client id of the entry order
	Symbol      string      // Trading symbol (e.g., "ETHUSDT")
	Tag         string      // provider tag of the originating signal
	Side        OrderSide   // entry side
	EntryPrice  float64     // average fill price of the entry
	ExitPrice   float64     // price of the closing leg
	Quantity    float64     // quantity closed by the closing leg
	Leverage    int         // Leverage used for the position
	PNL         float64     // realized on the closing leg
	EntryTime   time.Time   // Timestamp when the entry filled
	ExitTime    time.Time   // Timestamp when the position closed
	CloseReason CloseReason // Reason why the position was closed (SL, TP, etc.)
}

// RealizedPNL computes the profit of closing qty at exit for a position
// opened on side at entry.
func RealizedPNL(side OrderSide, entry, exit, qty float64) float64 {
	pnl := (exit - entry) * qty
	if side == Sell {
		pnl = -pnl
	}
	return pnl
}
