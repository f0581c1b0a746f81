package binanceclient

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"bracketBot/internal/ports"

	"github.com/shopspring/decimal"
)

// LoadSymbols fetches exchange info and caches the filters of every trading symbol.
func (c *Client) LoadSymbols(ctx context.Context) error {
	op := "LoadSymbols"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	symbols := make(map[string]*ports.SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		si := &ports.SymbolInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				si.TickSize = filterFloat(f, "tickSize")
			case "LOT_SIZE":
				si.StepSize = filterFloat(f, "stepSize")
				si.MinQuantity = filterFloat(f, "minQty")
			case "MIN_NOTIONAL":
				si.MinNotional = filterFloat(f, "notional")
			}
		}
		symbols[s.Symbol] = si
	}

	c.symbolsMu.Lock()
	c.symbols = symbols
	c.symbolsMu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbols": len(symbols)})
	return nil
}

func filterFloat(f map[string]interface{}, key string) float64 {
	s, ok := f[key].(string)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Symbol returns the cached filters of symbol.
func (c *Client) Symbol(symbol string) (*ports.SymbolInfo, error) {
	c.symbolsMu.RLock()
	defer c.symbolsMu.RUnlock()
	si, ok := c.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownSymbol, symbol)
	}
	return si, nil
}

// NormalizePrice rounds price to the nearest tick.
func (c *Client) NormalizePrice(symbol string, price float64) (float64, error) {
	si, err := c.Symbol(symbol)
	if err != nil {
		return 0, err
	}
	return roundToStep(price, si.TickSize), nil
}

// NormalizeQuantity rounds qty to the nearest lot step and raises it to the
// minimum quantity. The result may cost more than qty; callers bound the
// overshoot.
func (c *Client) NormalizeQuantity(symbol string, qty float64) (float64, error) {
	si, err := c.Symbol(symbol)
	if err != nil {
		return 0, err
	}
	if qty <= 0 || math.IsInf(qty, 0) || math.IsNaN(qty) {
		return 0, fmt.Errorf("%w: %s %.8g", ports.ErrInsufficientQuantity, symbol, qty)
	}
	q := roundToStep(qty, si.StepSize)
	if q < si.MinQuantity {
		q = si.MinQuantity
	}
	if q <= 0 {
		return 0, fmt.Errorf("%w: %s %.8g rounds to %.8g", ports.ErrInsufficientQuantity, symbol, qty, q)
	}
	return q, nil
}

func roundToStep(v, step float64) float64 {
	if step <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Round(0).Mul(s).InexactFloat64()
}

// formatStep renders v with the number of decimals implied by step.
func formatStep(v, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
