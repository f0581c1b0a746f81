package risk

import "github.com/shopspring/decimal"

// SplitQuantity divides total by weights. Every slot but the last is rounded
// down to step; the last slot takes whatever remains so the parts always sum
// to total.
func SplitQuantity(total float64, weights []float64, step float64) []float64 {
	if len(weights) == 0 {
		return nil
	}
	t := decimal.NewFromFloat(total)
	st := decimal.NewFromFloat(step)
	parts := make([]float64, len(weights))
	used := decimal.Zero
	for i := 0; i < len(weights)-1; i++ {
		p := t.Mul(decimal.NewFromFloat(weights[i]))
		if step > 0 {
			p = p.Div(st).Floor().Mul(st)
		}
		if p.Add(used).GreaterThan(t) {
			p = t.Sub(used)
		}
		used = used.Add(p)
		parts[i] = p.InexactFloat64()
	}
	parts[len(parts)-1] = t.Sub(used).InexactFloat64()
	return parts
}
