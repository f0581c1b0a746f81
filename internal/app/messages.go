package app

import (
	"fmt"
	"math"

	"bracketBot/internal/domain"
)

// Operator notification texts.

func entryMessage(o *domain.Order, rr float64) string {
	price := o.Entry.Entry
	if o.AvgPrice > 0 {
		price = o.AvgPrice
	}
	fund := o.Quantity * price
	risk := math.Abs(o.Quantity*price - o.Quantity*o.Entry.StopLoss)
	kind := ""
	if o.Entry.Kind == domain.EntryWait {
		kind = " (waiting)"
	}
	return fmt.Sprintf("[ENTRY] %s: %s %.8g %s @ %.5f%s\nfunds $%.2f (risk $%.2f, rr %.2f)",
		tagOrDash(o.Entry.Tag), o.Side, o.Quantity, o.Symbol, price, kind, fund, risk, rr)
}

// exitMessage reports a closed leg. stopAfterProfit marks a stop that had been
// trailed to the entry after earlier targets filled.
func exitMessage(parent *domain.Order, exit, qty float64, stopAfterProfit bool) string {
	pnl := domain.RealizedPNL(parent.Side, parent.BreakEven(), exit, qty)
	head := fmt.Sprintf("%s: %s %.8g %s @ %.5f", tagOrDash(parent.Entry.Tag), parent.Side.Opposite(), qty, parent.Symbol, exit)
	switch {
	case pnl > 0:
		return fmt.Sprintf("[PROFIT] %s\nprofits: $%.3f", head, pnl)
	case stopAfterProfit:
		return fmt.Sprintf("[STOPPED] %s\nstopped at entry after taking profits", head)
	default:
		return fmt.Sprintf("[LOSS] %s\nloss: $%.3f", head, pnl)
	}
}

func trailMessage(parent *domain.Order, stop float64) string {
	return fmt.Sprintf("[TRAIL] %s: %s stop moved to entry @ %.5f", tagOrDash(parent.Entry.Tag), parent.Symbol, stop)
}

func noMarginMessage(symbol string) string {
	return fmt.Sprintf("[NO MARGIN] No margin available for %s", symbol)
}

func errorMessage(tag string, err error) string {
	return fmt.Sprintf("[ERROR] %s: %v", tagOrDash(tag), err)
}

func closedMessage(parent *domain.Order, reason domain.CloseReason) string {
	return fmt.Sprintf("[CLOSED] %s: %s %s (%s)", tagOrDash(parent.Entry.Tag), parent.Side, parent.Symbol, reason)
}

func tagOrDash(tag string) string {
	if tag == "" {
		return "-"
	}
	return tag
}
