package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func testEntry(id, symbol, tag string, created time.Time) *domain.Order {
	return &domain.Order{
		ID:        id,
		Role:      domain.RoleEntry,
		Type:      domain.OrderTypeMarket,
		Symbol:    symbol,
		Side:      domain.Buy,
		Quantity:  1,
		CreatedAt: created,
		Entry: &domain.EntryDetails{
			Kind:          domain.EntryMarket,
			State:         domain.StatePendingEntry,
			Entry:         100,
			StopLoss:      90,
			Targets:       []float64{110, 120},
			Tag:           tag,
			TakeProfitIDs: make([]string, 2),
		},
	}
}

func testChild(id, parent, symbol string, role domain.OrderRole) *domain.Order {
	return &domain.Order{ID: id, Role: role, Symbol: symbol, Side: domain.Sell, Quantity: 1, ParentID: parent}
}

func TestOrderBook_ReturnsCopies(t *testing.T) {
	book := NewOrderBook()
	e := testEntry("mrkt-1", "BTCUSDT", "a", time.Now())
	book.Upsert(e)

	// Mutating the caller's value does not leak into the book.
	e.Entry.State = domain.StateClosed
	got, ok := book.Get("mrkt-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatePendingEntry, got.Entry.State)

	got.Entry.TakeProfitIDs[0] = "x"
	again, _ := book.Get("mrkt-1")
	assert.Equal(t, "", again.Entry.TakeProfitIDs[0])
}

func TestOrderBook_Update(t *testing.T) {
	book := NewOrderBook()
	book.Upsert(testEntry("mrkt-1", "BTCUSDT", "a", time.Now()))
	v := book.Version()

	t.Run("failed update leaves order untouched", func(t *testing.T) {
		_, err := book.Update("mrkt-1", func(o *domain.Order) error {
			o.Entry.State = domain.StateClosed
			return errors.New("nope")
		})
		require.Error(t, err)
		got, _ := book.Get("mrkt-1")
		assert.Equal(t, domain.StatePendingEntry, got.Entry.State)
		assert.Equal(t, v, book.Version())
	})

	t.Run("successful update commits", func(t *testing.T) {
		updated, err := book.Update("mrkt-1", func(o *domain.Order) error {
			o.Entry.StopLossID = "stop-1"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "stop-1", updated.Entry.StopLossID)
		assert.Greater(t, book.Version(), v)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := book.Update("missing", func(o *domain.Order) error { return nil })
		assert.ErrorIs(t, err, ErrNotTracked)
	})
}

func TestOrderBook_TreeQueries(t *testing.T) {
	book := NewOrderBook()
	now := time.Now()
	book.Upsert(testEntry("mrkt-1", "BTCUSDT", "a", now))
	book.Upsert(testEntry("wait-2", "ETHUSDT", "b", now.Add(time.Second)))
	book.Upsert(testChild("stop-1", "mrkt-1", "BTCUSDT", domain.RoleStopLoss))
	book.Upsert(testChild("trgt-1", "mrkt-1", "BTCUSDT", domain.RoleTakeProfit))
	book.Upsert(testChild("trgt-2", "wait-2", "ETHUSDT", domain.RoleTakeProfit))
	book.Upsert(testChild("trgt-9", "gone", "ETHUSDT", domain.RoleTakeProfit))

	entries := book.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "mrkt-1", entries[0].ID)
	assert.Equal(t, "wait-2", entries[1].ID)

	assert.Len(t, book.FindByInstrument("BTCUSDT"), 1)
	assert.Len(t, book.FindByTag("b"), 1)
	assert.Empty(t, book.FindByTag("zzz"))
	assert.Len(t, book.Children("mrkt-1"), 2)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, book.Symbols())

	orphans := book.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "trgt-9", orphans[0].ID)

	counts := book.Counts()
	assert.Equal(t, 2, counts[string(domain.RoleEntry)])
	assert.Equal(t, 1, counts[string(domain.RoleStopLoss)])
	assert.Equal(t, 3, counts[string(domain.RoleTakeProfit)])

	removed := book.RemoveTree("mrkt-1")
	assert.Len(t, removed, 3)
	assert.Equal(t, 3, book.Len())
	_, ok := book.Get("trgt-2")
	assert.True(t, ok, "other trees survive")
}

func TestOrderBook_SnapshotRestore(t *testing.T) {
	book := NewOrderBook()
	book.Upsert(testEntry("mrkt-1", "BTCUSDT", "a", time.Now()))
	book.Upsert(testChild("stop-1", "mrkt-1", "BTCUSDT", domain.RoleStopLoss))

	other := NewOrderBook()
	other.Upsert(testEntry("wait-x", "ETHUSDT", "z", time.Now()))
	other.Restore(book.Snapshot())

	assert.Equal(t, 2, other.Len())
	_, ok := other.Get("wait-x")
	assert.False(t, ok, "restore replaces the content")
	assert.False(t, book.Remove("missing"))
}
