package domain

import (
	"fmt"
	"strings"
)

// AllocationStrategy decides how a position is split across take-profits.
type AllocationStrategy string

const (
	// AllocationHalving closes half of what is left at every target.
	AllocationHalving AllocationStrategy = "halving"
	// AllocationEqual splits the position evenly.
	AllocationEqual AllocationStrategy = "equal"
	// AllocationFixed spreads 80% over the leading targets and lets the
	// rest run to the final one.
	AllocationFixed AllocationStrategy = "fixed"
)

const fixedLeadingShare = 0.8

// ParseAllocationStrategy validates a configured strategy name.
func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	switch AllocationStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case AllocationHalving:
		return AllocationHalving, nil
	case AllocationEqual:
		return AllocationEqual, nil
	case AllocationFixed:
		return AllocationFixed, nil
	}
	return "", fmt.Errorf("unknown take-profit allocation %q", s)
}

// Weights returns n fractions summing to 1. The final slot always absorbs
// whatever the leading slots leave.
func (a AllocationStrategy) Weights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}

	remaining := 1.0
	for i := 0; i < n-1; i++ {
		switch a {
		case AllocationEqual:
			w[i] = 1 / float64(n)
		case AllocationFixed:
			w[i] = fixedLeadingShare / float64(n-1)
		default:
			w[i] = remaining / 2
		}
		remaining -= w[i]
	}
	w[n-1] = remaining
	return w
}
