package risk

import (
	"context"

	"bracketBot/internal/domain"
	"bracketBot/internal/indicators"
	"bracketBot/internal/ports"
)

// KlineSource provides historical candles.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)
}

// StopConfig holds configuration for default stop estimation
type StopConfig struct {
	Interval        string
	Period          int
	ATRMultiplier   float64
	StopLossPercent float64 // fallback distance when candles are unavailable
}

// StopEstimator derives a stop-loss for signals that arrive without one.
type StopEstimator struct {
	config StopConfig
	klines KlineSource
	atr    *indicators.ATR
	logger ports.Logger
}

// NewStopEstimator creates a new stop estimator
func NewStopEstimator(config StopConfig, klines KlineSource, logger ports.Logger) *StopEstimator {
	if config.Period <= 0 {
		config.Period = 14
	}
	if config.Interval == "" {
		config.Interval = "1h"
	}
	if config.ATRMultiplier <= 0 {
		config.ATRMultiplier = 2
	}
	if config.StopLossPercent <= 0 {
		config.StopLossPercent = 0.02
	}
	return &StopEstimator{
		config: config,
		klines: klines,
		atr:    indicators.NewATR(config.Period),
		logger: logger,
	}
}

// DefaultStop places the stop ATR × multiplier away from entry on the losing
// side. It falls back to a fixed percentage when the ATR cannot be computed.
func (e *StopEstimator) DefaultStop(ctx context.Context, symbol string, entry float64, dir domain.Direction) float64 {
	op := "DefaultStop"
	isLong := dir != domain.Short

	if e.klines != nil {
		klines, err := e.klines.GetKlines(ctx, symbol, e.config.Interval, e.atr.RequiredDataPoints()+1)
		if err == nil {
			if atr, err := e.atr.Calculate(ctx, klines); err == nil && atr > 0 {
				dist := atr * e.config.ATRMultiplier
				if dist < entry {
					if isLong {
						return entry - dist
					}
					return entry + dist
				}
			} else if err != nil {
				e.logger.Warn(ctx, op+": ATR unavailable, using percentage stop", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			}
		} else {
			e.logger.Warn(ctx, op+": Failed to fetch klines, using percentage stop", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		}
	}

	return e.percentStop(entry, isLong)
}

func (e *StopEstimator) percentStop(entry float64, isLong bool) float64 {
	if isLong {
		return entry * (1 - e.config.StopLossPercent)
	}
	return entry * (1 + e.config.StopLossPercent)
}
