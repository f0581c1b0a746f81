package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// minPrecision bounds the decimal-shift search used by Correct.
const minPrecision = 6

// ErrInvalidSignal is returned when a signal violates its price ordering.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is an intent to open a position, as produced by a parser.
type Signal struct {
	Symbol    string
	Asset     string
	Quote     string
	Direction Direction

	Entries        []float64 // candidate entries; empty means enter at the live price
	StopLoss       float64   // 0 when the provider gave none
	Targets        []float64
	PercentTargets bool // Targets are percentages of the entry/stop distance

	Risk     float64 // fraction of account equity
	Leverage int
	Tag      string
	Source   string

	ReceivedAt time.Time

	// Set by Correct.
	Entry     float64
	Corrected bool
}

// NewSignal builds a signal for asset against quote.
func NewSignal(asset, quote string, dir Direction) *Signal {
	asset = strings.ToUpper(asset)
	quote = strings.ToUpper(quote)
	return &Signal{
		Symbol:     asset + quote,
		Asset:      asset,
		Quote:      quote,
		Direction:  dir,
		ReceivedAt: time.Now().UTC(),
	}
}

// IsLong reports whether the signal opens a long position.
func (s *Signal) IsLong() bool {
	return s.Direction != Short
}

// Correct scales the human-entered prices against the live mark price and
// picks the entry. It only runs once per signal.
func (s *Signal) Correct(mark float64) {
	if s.Corrected || mark <= 0 {
		return
	}

	if len(s.Entries) == 0 {
		s.Entry = mark
	} else {
		best := math.Inf(1)
		for i, e := range s.Entries {
			e *= correctionFactor(e, mark)
			s.Entries[i] = e
			if d := math.Abs(e - mark); d < best {
				best = d
				s.Entry = e
			}
		}
	}

	if s.StopLoss > 0 {
		s.StopLoss *= correctionFactor(s.StopLoss, mark)
	}
	if !s.PercentTargets {
		for i, t := range s.Targets {
			s.Targets[i] = t * correctionFactor(t, mark)
		}
	}
	s.Corrected = true
}

// correctionFactor returns the decimal shift that brings price closest to
// mark. Factors are tried smallest first and the search stops at the first
// factor that does not strictly improve the distance.
func correctionFactor(price, mark float64) float64 {
	minima := math.Inf(1)
	factor := 1.0
	for i := 0; i <= minPrecision; i++ {
		f := 1 / math.Pow10(minPrecision-i)
		dist := math.Abs(price*f-mark) / mark
		if dist < minima {
			minima = dist
			factor = f
		} else {
			break
		}
	}
	return factor
}

// SetDefaultStop fills in a stop-loss when the provider gave none.
func (s *Signal) SetDefaultStop(stop float64) {
	if s.StopLoss <= 0 {
		s.StopLoss = stop
	}
}

// ResolveTargets converts percentage targets into prices using the distance
// between entry and stop. It requires a corrected signal with a stop.
func (s *Signal) ResolveTargets() {
	if !s.PercentTargets || s.StopLoss <= 0 || s.Entry <= 0 {
		return
	}
	dist := math.Abs(s.Entry - s.StopLoss)
	sign := 1.0
	if !s.IsLong() {
		sign = -1.0
	}
	for i, p := range s.Targets {
		s.Targets[i] = s.Entry + sign*dist*p/100
	}
	s.PercentTargets = false
}

// Validate checks that stop, entries and targets are ordered in the
// direction of profit.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	values := make([]float64, 0, 3+len(s.Entries)+len(s.Targets))
	values = append(values, s.Entry, s.StopLoss, s.Risk)
	values = append(values, s.Entries...)
	values = append(values, s.Targets...)
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return fmt.Errorf("%w: non-finite price or risk %v", ErrInvalidSignal, v)
		}
	}
	if s.Entry <= 0 || s.StopLoss <= 0 {
		return fmt.Errorf("%w: entry %.8g and stop %.8g must be positive", ErrInvalidSignal, s.Entry, s.StopLoss)
	}
	if s.Risk <= 0 || s.Risk >= 1 {
		return fmt.Errorf("%w: risk %.4g outside (0, 1)", ErrInvalidSignal, s.Risk)
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("%w: leverage %d must be positive", ErrInvalidSignal, s.Leverage)
	}

	better := func(a, b float64) bool { // a is further into profit than b
		if s.IsLong() {
			return a > b
		}
		return a < b
	}

	candidates := s.Entries
	if len(candidates) == 0 {
		candidates = []float64{s.Entry}
	}
	for _, e := range candidates {
		if !better(e, s.StopLoss) {
			return fmt.Errorf("%w: stop %.8g is not on the losing side of entry %.8g", ErrInvalidSignal, s.StopLoss, e)
		}
	}

	prev := s.Entry
	for i, t := range s.Targets {
		if !better(t, prev) {
			return fmt.Errorf("%w: target %d (%.8g) does not move away from %.8g", ErrInvalidSignal, i, t, prev)
		}
		prev = t
	}
	return nil
}

// MaxEntry returns the price that lies ratio of the way from entry to the
// first target. Without targets the entry itself is returned.
func (s *Signal) MaxEntry(ratio float64) float64 {
	if len(s.Targets) == 0 {
		return s.Entry
	}
	return s.Entry + (s.Targets[0]-s.Entry)*ratio
}

// RiskReward returns the reward to risk ratio against the first target.
func (s *Signal) RiskReward() float64 {
	risk := math.Abs(s.Entry - s.StopLoss)
	if risk == 0 || len(s.Targets) == 0 {
		return 0
	}
	return math.Abs(s.Targets[0]-s.Entry) / risk
}

// DedupKey identifies near-identical signals regardless of provider.
func (s *Signal) DedupKey() string {
	first := 0.0
	if len(s.Targets) > 0 {
		first = s.Targets[0]
	}
	return fmt.Sprintf("%s|%s|%.8g|%.8g", s.Symbol, s.Direction, s.StopLoss, first)
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %s x%d (risk %.2f%%, e: %.8g, sl: %.8g, targets: %v, tag: %s)",
		s.Direction, s.Symbol, s.Leverage, s.Risk*100, s.Entry, s.StopLoss, s.Targets, s.Tag)
}

// CloseRequest asks to close every trade carrying Tag, optionally limited
// to one symbol.
type CloseRequest struct {
	Tag    string
	Symbol string
}
