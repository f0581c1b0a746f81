package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"bracketBot/internal/domain"
)

// WriteTradesToCSV writes trade history rows, oldest first, with a header.
func WriteTradesToCSV(w io.Writer, trades []*domain.Trade) error {
	sorted := append([]*domain.Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"id", "entry_id", "symbol", "tag", "side", "entry_price", "exit_price",
		"quantity", "leverage", "pnl", "entry_time", "exit_time", "close_reason"}); err != nil {
		return err
	}

	for _, t := range sorted {
		if err := writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.EntryID,
			t.Symbol,
			t.Tag,
			string(t.Side),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Quantity),
			strconv.Itoa(t.Leverage),
			formatFloat(t.PNL),
			formatTime(t.EntryTime),
			formatTime(t.ExitTime),
			string(t.CloseReason),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteOrderTree prints every entry in orders followed by its bracket legs.
// Legs whose entry is missing are listed last as orphans.
func WriteOrderTree(w io.Writer, orders []*domain.Order) error {
	byID := make(map[string]*domain.Order, len(orders))
	var entries []*domain.Order
	for _, o := range orders {
		byID[o.ID] = o
		if o.IsEntry() {
			entries = append(entries, o)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	var b strings.Builder
	seen := make(map[string]bool, len(orders))
	for _, e := range entries {
		seen[e.ID] = true
		fmt.Fprintf(&b, "%s %s %s %s qty=%s price=%s state=%s tag=%s\n",
			e.ID, e.Symbol, e.Side, e.Entry.Kind, formatFloat(e.Quantity), formatFloat(e.Price), e.Entry.State, e.Entry.Tag)
		for _, id := range e.ChildIDs() {
			c, ok := byID[id]
			if !ok {
				fmt.Fprintf(&b, "  %s (missing)\n", id)
				continue
			}
			seen[id] = true
			fmt.Fprintf(&b, "  %s %s qty=%s price=%s%s\n", c.ID, c.Role, formatFloat(c.Quantity), formatFloat(c.Price), filledMark(c))
		}
	}
	for _, o := range orders {
		if !seen[o.ID] {
			fmt.Fprintf(&b, "orphan %s %s %s parent=%s\n", o.ID, o.Symbol, o.Role, o.ParentID)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func filledMark(o *domain.Order) string {
	if o.Filled {
		return " filled@" + formatFloat(o.AvgPrice)
	}
	return ""
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
