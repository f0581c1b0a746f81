package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func leg(entryID, tag string, pnl float64, opened, closed time.Time, reason domain.CloseReason) *domain.Trade {
	return &domain.Trade{EntryID: entryID, Symbol: "BTCUSDT", Tag: tag, PNL: pnl,
		EntryTime: opened, ExitTime: closed, CloseReason: reason}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		// first bracket: two targets then the trailed stop at entry
		leg("mrkt-1", "alpha", 25, base, base.Add(1*time.Hour), domain.CloseReasonTakeProfit),
		leg("mrkt-1", "alpha", 15, base, base.Add(2*time.Hour), domain.CloseReasonTakeProfit),
		leg("mrkt-1", "alpha", 0, base, base.Add(4*time.Hour), domain.CloseReasonStopLoss),
		// second bracket: stopped out
		leg("mrkt-2", "beta", -20, base.Add(5*time.Hour), base.Add(7*time.Hour), domain.CloseReasonStopLoss),
		// third bracket: stopped out again
		leg("mrkt-3", "alpha", -10, base.Add(8*time.Hour), base.Add(10*time.Hour), domain.CloseReasonStopLoss),
	}

	s := Summarize(trades)

	assert.Equal(t, 5, s.Legs)
	assert.Equal(t, 3, s.Brackets)
	assert.Equal(t, 1, s.WinningBrackets)
	assert.Equal(t, 2, s.LosingBrackets)
	assert.InDelta(t, 1.0/3, s.WinRate, 1e-9)
	assert.InDelta(t, 10, s.TotalProfit, 1e-9)
	assert.InDelta(t, 40, s.AverageWin, 1e-9)
	assert.InDelta(t, -15, s.AverageLoss, 1e-9)
	assert.InDelta(t, 40.0/30, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 30, s.MaxDrawdown, 1e-9)
	assert.Equal(t, 2, s.MaxConsecutiveLosses)
	assert.Equal(t, (4*time.Hour+2*time.Hour+2*time.Hour)/3, s.AverageHolding)
	assert.Equal(t, map[string]float64{"alpha": 30, "beta": -20}, s.ProfitByTag)
	assert.Equal(t, map[domain.CloseReason]int{domain.CloseReasonTakeProfit: 2, domain.CloseReasonStopLoss: 3}, s.LegsByClose)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Brackets)
	assert.Zero(t, s.WinRate)
	assert.Empty(t, s.ProfitByTag)
}

func TestBrackets_GroupsByEntry(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		{ID: 7, Symbol: "ETHUSDT", PNL: 3, ExitTime: base.Add(3 * time.Hour)},
		leg("mrkt-1", "alpha", 5, base, base.Add(2*time.Hour), domain.CloseReasonTakeProfit),
		leg("mrkt-1", "alpha", -1, base, base.Add(time.Hour), domain.CloseReasonStopLoss),
	}

	results := Brackets(trades)
	require.Len(t, results, 2)
	assert.Equal(t, "mrkt-1", results[0].EntryID)
	assert.InDelta(t, 4, results[0].PNL, 1e-9)
	assert.Equal(t, 2, results[0].LegCount)
	assert.Equal(t, base.Add(2*time.Hour), results[0].Closed)
	assert.Equal(t, "", results[1].EntryID)
	assert.Equal(t, "ETHUSDT", results[1].Symbol)
}
