package domain

import (
	"math"
	"time"
)

// Kline is one candlestick, used to size default stops from volatility.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    string
	Interval  string // e.g. "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool // false while the interval is still open
}

// TrueRange returns the range of k extended to the close of the previous
// bar. prev may be nil for the first bar.
func (k *Kline) TrueRange(prev *Kline) float64 {
	if prev == nil {
		return k.High - k.Low
	}
	return math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prev.Close), math.Abs(k.Low-prev.Close)))
}
