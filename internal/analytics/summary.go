// Package analytics summarizes the realized results of closed brackets.
package analytics

import (
	"math"
	"sort"
	"strconv"
	"time"

	"bracketBot/internal/domain"
)

// Summary holds the realized performance of a set of trade records. Every
// take-profit and stop fill is one record; records sharing an entry form
// one bracket.
type Summary struct {
	Legs     int
	Brackets int

	WinningBrackets int
	LosingBrackets  int
	WinRate         float64

	TotalProfit  float64
	AverageWin   float64
	AverageLoss  float64
	ProfitFactor float64 // gross profit over gross loss, 0 without losses

	MaxDrawdown          float64 // deepest fall of cumulative PNL from its peak
	MaxConsecutiveLosses int
	AverageHolding       time.Duration

	ProfitByTag map[string]float64
	LegsByClose map[domain.CloseReason]int
}

// BracketResult is the combined outcome of the legs of one entry.
type BracketResult struct {
	EntryID  string
	Symbol   string
	Tag      string
	PNL      float64
	Opened   time.Time
	Closed   time.Time
	LegCount int
}

// Brackets groups trade records by entry, ordered by the time the last leg
// closed. Records without an entry id stand alone.
func Brackets(trades []*domain.Trade) []BracketResult {
	byEntry := make(map[string]*BracketResult)
	var order []string
	for _, t := range trades {
		key := t.EntryID
		if key == "" {
			key = "#" + strconv.FormatInt(t.ID, 10)
		}
		r, ok := byEntry[key]
		if !ok {
			r = &BracketResult{EntryID: t.EntryID, Symbol: t.Symbol, Tag: t.Tag, Opened: t.EntryTime}
			byEntry[key] = r
			order = append(order, key)
		}
		r.PNL += t.PNL
		r.LegCount++
		if t.ExitTime.After(r.Closed) {
			r.Closed = t.ExitTime
		}
		if !t.EntryTime.IsZero() && (r.Opened.IsZero() || t.EntryTime.Before(r.Opened)) {
			r.Opened = t.EntryTime
		}
	}

	results := make([]BracketResult, 0, len(order))
	for _, key := range order {
		results = append(results, *byEntry[key])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Closed.Before(results[j].Closed) })
	return results
}

// Summarize computes the performance of trades.
func Summarize(trades []*domain.Trade) *Summary {
	s := &Summary{
		Legs:        len(trades),
		ProfitByTag: make(map[string]float64),
		LegsByClose: make(map[domain.CloseReason]int),
	}
	for _, t := range trades {
		s.LegsByClose[t.CloseReason]++
	}

	results := Brackets(trades)
	s.Brackets = len(results)
	if s.Brackets == 0 {
		return s
	}

	var grossWin, grossLoss, equity, peak float64
	var losses int
	var holding time.Duration
	var held int
	for _, r := range results {
		s.TotalProfit += r.PNL
		s.ProfitByTag[r.Tag] += r.PNL

		if r.PNL > 0 {
			s.WinningBrackets++
			grossWin += r.PNL
			losses = 0
		} else {
			s.LosingBrackets++
			grossLoss -= r.PNL
			losses++
			if losses > s.MaxConsecutiveLosses {
				s.MaxConsecutiveLosses = losses
			}
		}

		equity += r.PNL
		peak = math.Max(peak, equity)
		s.MaxDrawdown = math.Max(s.MaxDrawdown, peak-equity)

		if !r.Opened.IsZero() && r.Closed.After(r.Opened) {
			holding += r.Closed.Sub(r.Opened)
			held++
		}
	}

	s.WinRate = float64(s.WinningBrackets) / float64(s.Brackets)
	if s.WinningBrackets > 0 {
		s.AverageWin = grossWin / float64(s.WinningBrackets)
	}
	if s.LosingBrackets > 0 {
		s.AverageLoss = -grossLoss / float64(s.LosingBrackets)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	if held > 0 {
		s.AverageHolding = holding / time.Duration(held)
	}
	return s
}
