package risk

import (
	"fmt"
	"math"
	"strings"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// SizingMode selects how much of the balance a signal may allocate.
type SizingMode string

const (
	// SizingFraction allocates balance × risk.
	SizingFraction SizingMode = "fraction"
	// SizingStopDistance allocates so that hitting the stop loses balance × risk.
	SizingStopDistance SizingMode = "stop_distance"
)

// ParseSizingMode validates a configured sizing mode.
func ParseSizingMode(s string) (SizingMode, error) {
	switch SizingMode(strings.ToLower(strings.TrimSpace(s))) {
	case SizingFraction:
		return SizingFraction, nil
	case SizingStopDistance:
		return SizingStopDistance, nil
	}
	return "", fmt.Errorf("unknown sizing mode %q", s)
}

// SizerConfig holds configuration for position sizing
type SizerConfig struct {
	Mode               SizingMode
	MaxAllocation      float64 // cap on funds as a fraction of balance (stop_distance only)
	SlippageMultiplier float64 // tolerated cost overshoot after lot rounding
}

// Sizer turns a corrected signal and an account balance into an order quantity.
type Sizer struct {
	config SizerConfig
}

// NewSizer creates a new sizer instance
func NewSizer(config SizerConfig) *Sizer {
	if config.Mode == "" {
		config.Mode = SizingFraction
	}
	if config.MaxAllocation <= 0 {
		config.MaxAllocation = 1
	}
	if config.SlippageMultiplier <= 0 {
		config.SlippageMultiplier = 1
	}
	return &Sizer{config: config}
}

// Funds returns the margin allocated to sig out of balance.
func (s *Sizer) Funds(balance float64, sig *domain.Signal) float64 {
	if balance <= 0 || sig.Risk <= 0 {
		return 0
	}
	base := balance * sig.Risk
	if s.config.Mode != SizingStopDistance {
		return base
	}

	if sig.Entry <= 0 {
		return base
	}
	lossPerUnit := math.Abs(sig.Entry-sig.StopLoss) / sig.Entry * float64(sig.Leverage)
	if lossPerUnit <= 0 {
		return base
	}
	return math.Min(base/lossPerUnit, balance*s.config.MaxAllocation)
}

// Quantity returns the unrounded contract quantity bought by funds at price.
func (s *Sizer) Quantity(funds, price float64, leverage int) float64 {
	if price <= 0 || leverage <= 0 {
		return 0
	}
	return funds * float64(leverage) / price
}

// Check validates a lot-rounded quantity against the allocation and the balance.
func (s *Sizer) Check(qty, price float64, leverage int, funds, balance float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity rounds to zero", ports.ErrInsufficientQuantity)
	}
	cost := qty * price / float64(leverage)
	if cost > funds*s.config.SlippageMultiplier {
		return fmt.Errorf("%w: cost %.8g exceeds allocation %.8g after rounding", ports.ErrInsufficientQuantity, cost, funds)
	}
	if cost > balance {
		return fmt.Errorf("%w: cost %.8g above balance %.8g", ports.ErrInsufficientMargin, cost, balance)
	}
	return nil
}
