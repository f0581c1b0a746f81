package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func TestWriteTradesToCSV(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		{ID: 2, EntryID: "mrkt-2", Symbol: "ETHUSDT", Tag: "beta", Side: domain.Sell, EntryPrice: 2100, ExitPrice: 2050,
			Quantity: 0.1, Leverage: 10, PNL: 5, EntryTime: base, ExitTime: base.Add(2 * time.Hour), CloseReason: domain.CloseReasonTakeProfit},
		{ID: 1, EntryID: "mrkt-1", Symbol: "BTCUSDT", Tag: "alpha", Side: domain.Buy, EntryPrice: 39793.5, ExitPrice: 39792,
			Quantity: 0.005, Leverage: 20, PNL: -0.0075, EntryTime: base, ExitTime: base.Add(time.Hour), CloseReason: domain.CloseReasonStopLoss},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTradesToCSV(&buf, trades))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "id,entry_id,symbol"))
	assert.Equal(t, "1,mrkt-1,BTCUSDT,alpha,BUY,39793.5,39792,0.005,20,-0.0075,2024-03-01T12:00:00Z,2024-03-01T13:00:00Z,SL", lines[1])
	assert.Equal(t, "2,mrkt-2,ETHUSDT,beta,SELL,2100,2050,0.1,10,5,2024-03-01T12:00:00Z,2024-03-01T14:00:00Z,TP", lines[2])
}

func TestWriteOrderTree(t *testing.T) {
	entry := &domain.Order{
		ID: "mrkt-1", Role: domain.RoleEntry, Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.005, Price: 39793.5,
		Entry: &domain.EntryDetails{
			Kind: domain.EntryMarket, State: domain.StateOpenBracketed, Tag: "alpha",
			StopLossID: "stop-1", TakeProfitIDs: []string{"trgt-1", "trgt-2"},
		},
	}
	stop := &domain.Order{ID: "stop-1", Role: domain.RoleStopLoss, Symbol: "BTCUSDT", Side: domain.Sell, Quantity: 0.005, Price: 39792, ParentID: "mrkt-1"}
	target := &domain.Order{ID: "trgt-1", Role: domain.RoleTakeProfit, Symbol: "BTCUSDT", Side: domain.Sell, Quantity: 0.002, Price: 39900,
		ParentID: "mrkt-1", Filled: true, AvgPrice: 39900}
	orphan := &domain.Order{ID: "trgt-9", Role: domain.RoleTakeProfit, Symbol: "ETHUSDT", ParentID: "mrkt-9"}

	var buf bytes.Buffer
	require.NoError(t, WriteOrderTree(&buf, []*domain.Order{stop, orphan, entry, target}))

	assert.Equal(t, strings.Join([]string{
		"mrkt-1 BTCUSDT BUY market qty=0.005 price=39793.5 state=OPEN_BRACKETED tag=alpha",
		"  stop-1 stop_loss qty=0.005 price=39792",
		"  trgt-1 take_profit qty=0.002 price=39900 filled@39900",
		"  trgt-2 (missing)",
		"orphan trgt-9 ETHUSDT take_profit parent=mrkt-9",
		"",
	}, "\n"), buf.String())
}
