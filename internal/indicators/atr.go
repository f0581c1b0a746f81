// Package indicators computes volatility measures over kline series.
package indicators

import (
	"context"
	"fmt"

	"bracketBot/internal/domain"
)

// ATR implements the Average True Range indicator with Wilder smoothing.
type ATR struct {
	period int
}

// NewATR creates an ATR over period bars.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR(%d)", a.period)
}

// RequiredDataPoints needs one bar beyond the period for the first previous close.
func (a *ATR) RequiredDataPoints() int {
	return a.period + 1
}

// Calculate computes the Average True Range value for the given klines
func (a *ATR) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	period := a.period
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(klines) < a.RequiredDataPoints() {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", a.RequiredDataPoints(), len(klines))
	}

	trueRanges := make([]float64, len(klines))
	var prev *domain.Kline
	for i, k := range klines {
		trueRanges[i] = k.TrueRange(prev)
		prev = k
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)

	for i := period; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}

	return atr, nil
}
